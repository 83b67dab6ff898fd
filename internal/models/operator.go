package models

import "time"

// Operator roles.
const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// Operator is a human agent. Online is the authoritative presence flag the
// router consults; the in-process registry is only a push-delivery hint.
// OnlineSince is the start of the current continuous connection and breaks
// routing ties in favor of sustained presence.
type Operator struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:128;not null"`
	SegmentID   uint   `gorm:"index"`
	Role        string `gorm:"size:16;default:operator"`
	Online      bool   `gorm:"default:false;index"`
	OnlineSince *time.Time
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Supervisor reports whether the operator may perform supervisory actions.
func (o *Operator) Supervisor() bool {
	return o.Role == RoleSupervisor || o.Role == RoleAdmin
}
