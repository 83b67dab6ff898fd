package db

import (
	"fmt"

	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Contact{},
		&models.Line{},
		&models.Operator{},
		&models.Conversation{},
		&models.PendingMessage{},
		&models.RateCounter{},
		&models.BreakerState{},
		&models.ControlConfig{},
		&models.Alert{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedControlConfig ensures the singleton ControlConfig row exists, leaving
// an existing row untouched so admin changes survive restarts.
func SeedControlConfig(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.ControlConfig{}).Count(&count).Error; err != nil {
		return fmt.Errorf("db: count control config: %w", err)
	}
	if count > 0 {
		return nil
	}
	cc := models.ControlConfig{
		ID:                      1,
		CPCHours:                24,
		ResendHours:             24,
		RepescagemMaxAttempts:   3,
		RepescagemCooldownHours: 48,
		DefaultDailyCap:         300,
		OperatorCapacity:        15,
	}
	if err := db.Create(&cc).Error; err != nil {
		return fmt.Errorf("db: seed control config: %w", err)
	}
	return nil
}

// ControlConfig loads the singleton policy thresholds row, creating it with
// defaults if missing.
func ControlConfig(db *gorm.DB) (*models.ControlConfig, error) {
	var cc models.ControlConfig
	result := db.Limit(1).Find(&cc)
	if result.Error != nil {
		return nil, fmt.Errorf("db: load control config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if err := SeedControlConfig(db); err != nil {
			return nil, err
		}
		if err := db.Limit(1).Find(&cc).Error; err != nil {
			return nil, fmt.Errorf("db: load control config: %w", err)
		}
	}
	return &cc, nil
}
