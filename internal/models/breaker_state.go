package models

import "time"

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerState is the persisted circuit breaker for one line's provider
// channel. Generation increments on every transition; updates are guarded by
// state+generation so concurrent instances cannot double-transition.
type BreakerState struct {
	LineID          uint   `gorm:"primaryKey"`
	State           string `gorm:"size:10;default:closed"`
	Generation      uint   `gorm:"default:0"`
	Failures        int    `gorm:"default:0"`
	Samples         int    `gorm:"default:0"`
	WindowStartedAt time.Time
	OpenedAt        *time.Time
	TrialInFlight   bool `gorm:"default:false"`
	TrialStartedAt  *time.Time
	UpdatedAt       time.Time
}
