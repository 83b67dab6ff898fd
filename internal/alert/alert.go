// Package alert raises operational alerts: persisted for the desk, pushed to
// segment supervisors, and mirrored to chat notifiers when configured.
package alert

import (
	"context"
	"time"

	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/presence"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Notifier mirrors an alert to an external channel (Slack, Discord).
type Notifier interface {
	Notify(ctx context.Context, a models.Alert) error
	Close() error
}

// Manager owns alert delivery. Notifier failures are logged and swallowed —
// alerting must never take the engine down with it.
type Manager struct {
	registry  *presence.Registry
	notifiers []Notifier
}

// NewManager creates a Manager pushing to the given registry and notifiers.
func NewManager(registry *presence.Registry, notifiers ...Notifier) *Manager {
	return &Manager{registry: registry, notifiers: notifiers}
}

// Raise persists the alert and fans it out. Persisting is the one step that
// may fail; everything downstream is best-effort.
func (m *Manager) Raise(tx *gorm.DB, a models.Alert) error {
	if a.Severity == "" {
		a.Severity = models.AlertWarning
	}
	a.CreatedAt = time.Now()
	if err := tx.Create(&a).Error; err != nil {
		return err
	}

	log.Warn().Str("severity", a.Severity).Str("subject", a.Subject).
		Uint("segment_id", a.SegmentID).Msg("alert raised")

	if m == nil {
		return nil
	}
	if m.registry != nil {
		if err := m.registry.NotifySegmentSupervisors(tx, a.SegmentID, "alert", a); err != nil {
			log.Warn().Err(err).Msg("alert: supervisor push failed")
		}
	}
	for _, n := range m.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := n.Notify(ctx, a); err != nil {
			log.Warn().Err(err).Str("subject", a.Subject).Msg("alert: notifier failed")
		}
		cancel()
	}
	return nil
}

// Close shuts down all notifiers.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			log.Warn().Err(err).Msg("alert: notifier close failed")
		}
	}
}
