package models

import "time"

// ControlConfig is the single mutable row of desk-wide policy thresholds.
// The cooldown policy, limiter, and router read it on every decision so an
// admin change takes effect without a restart.
type ControlConfig struct {
	ID                      uint `gorm:"primaryKey"`
	CPCHours                int  `gorm:"default:24"`
	ResendHours             int  `gorm:"default:24"`
	RepescagemEnabled       bool `gorm:"default:false"`
	RepescagemMaxAttempts   int  `gorm:"default:3"`
	RepescagemCooldownHours int  `gorm:"default:48"`
	DefaultDailyCap         int  `gorm:"default:300"`
	OperatorCapacity        int  `gorm:"default:15"`
	UpdatedAt               time.Time
}
