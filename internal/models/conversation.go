package models

import "time"

// Sender values for Conversation rows.
const (
	SenderContact  = "contact"
	SenderOperator = "operator"
)

// Conversation is one message event. The business-level conversation is the
// set of rows sharing a ContactPhone; routing, transfer, and migration always
// move that set as a unit. A row is active while TabulationID is NULL; once a
// tabulation is applied it is never cleared.
type Conversation struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	ContactPhone      string  `gorm:"size:20;not null;index"`
	ContactName       string  `gorm:"size:128"`
	SegmentID         uint    `gorm:"index"`
	LineID            *uint   `gorm:"index"`
	OperatorID        *string `gorm:"size:64;index"`
	OperatorName      string  `gorm:"size:128"`
	Sender            string  `gorm:"size:8;not null"`
	Body              string  `gorm:"type:text"`
	ContentType       string  `gorm:"size:16;default:text"`
	MediaRef          string  `gorm:"size:512"`
	ProviderMessageID string  `gorm:"size:128"`
	TabulationID      *uint   `gorm:"index"`
	CreatedAt         time.Time
}

// Active reports whether the row is still part of an open conversation.
func (c *Conversation) Active() bool {
	return c.TabulationID == nil
}

// Assigned reports whether the row has an owning operator.
func (c *Conversation) Assigned() bool {
	return c.OperatorID != nil && *c.OperatorID != ""
}
