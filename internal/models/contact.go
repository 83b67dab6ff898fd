package models

import "time"

// Contact is a customer reachable at a phone number. The phone is the
// business key; everything the routing engine knows about a customer hangs
// off it.
type Contact struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	Phone              string `gorm:"size:20;not null;uniqueIndex"`
	Name               string `gorm:"size:128"`
	SegmentID          uint   `gorm:"index"`
	ConfirmedResponder bool   `gorm:"default:false"`
	Blocked            bool   `gorm:"default:false;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
