package models

import "time"

// RateCounter tracks outbound volume for one line on one calendar day.
// Count is only ever mutated through a conditional increment that refuses to
// pass Cap, so the cap holds under concurrent senders.
type RateCounter struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	LineID    uint   `gorm:"not null;uniqueIndex:idx_line_day"`
	Day       string `gorm:"size:10;not null;uniqueIndex:idx_line_day"`
	Count     int    `gorm:"default:0"`
	Cap       int    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
