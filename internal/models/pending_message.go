package models

import "time"

// PendingMessage status values.
const (
	PendingStatusPending    = "pending"
	PendingStatusProcessing = "processing"
	PendingStatusSent       = "sent"
	PendingStatusFailed     = "failed"
)

// PendingMessage is an inbound message parked in limbo because no eligible
// operator could take it. It is drained into a Conversation row when an
// operator in the segment comes online or frees capacity, and marked failed
// only after exhausting its drain attempts.
type PendingMessage struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ContactPhone string `gorm:"size:20;not null;index"`
	ContactName  string `gorm:"size:128"`
	SegmentID    uint   `gorm:"index"`
	LineID       *uint
	Body         string `gorm:"type:text"`
	ContentType  string `gorm:"size:16;default:text"`
	MediaRef     string `gorm:"size:512"`
	Status       string `gorm:"size:12;default:pending;index"`
	Attempts     int    `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
