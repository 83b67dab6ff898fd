package models

import "time"

// Alert severities.
const (
	AlertInfo    = "info"
	AlertWarning = "warning"
	AlertError   = "error"
)

// Alert is an operational alert surfaced to supervisors: a pending message
// that exhausted its drain attempts, a banned line, a breaker opening.
type Alert struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Severity     string `gorm:"size:8;default:warning"`
	Subject      string `gorm:"size:256;not null"`
	Body         string `gorm:"type:text"`
	SegmentID    uint   `gorm:"index"`
	Acknowledged bool   `gorm:"default:false;index"`
	CreatedAt    time.Time
}
