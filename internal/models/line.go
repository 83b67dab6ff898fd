package models

import "time"

// Line status values.
const (
	LineActive = "active"
	LineBanned = "banned"
)

// Line is a numbered channel resource tied to one provider credential.
// Banning a line triggers migration of its active conversations.
type Line struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Number     string `gorm:"size:20;not null"`
	SegmentID  uint   `gorm:"index"`
	Status     string `gorm:"size:8;default:active;index"`
	ChannelID  string `gorm:"size:64;uniqueIndex"`
	Credential string `gorm:"size:256"`
	DailyCap   int    `gorm:"default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
