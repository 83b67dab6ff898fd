// Package dispatch orchestrates the routing engine: inbound events, outbound
// sends, operator presence changes, and the background sweeps that keep the
// desk moving. It is the only package that talks to the external channel.
package dispatch

import (
	"fmt"

	"github.com/rgalvao/switchboard/internal/alert"
	"github.com/rgalvao/switchboard/internal/breaker"
	"github.com/rgalvao/switchboard/internal/channel"
	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/presence"
	"gorm.io/gorm"
)

// Dispatcher wires the routing engine together around one database handle
// and one provider adapter.
type Dispatcher struct {
	db       *gorm.DB
	adapter  channel.Adapter
	registry *presence.Registry
	alerts   *alert.Manager
	breaker  breaker.Settings
	queue    config.QueueConfig
	presence config.PresenceConfig
}

// Opts holds construction parameters for a Dispatcher.
type Opts struct {
	DB       *gorm.DB
	Adapter  channel.Adapter
	Registry *presence.Registry
	Alerts   *alert.Manager
	Breaker  breaker.Settings
	Queue    config.QueueConfig
	Presence config.PresenceConfig
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("dispatch: channel adapter is required")
	}
	if opts.Registry == nil {
		opts.Registry = presence.NewRegistry()
	}
	if opts.Queue.DrainBatchCap == 0 {
		opts.Queue.DrainBatchCap = 10
	}
	if opts.Queue.MaxAttempts == 0 {
		opts.Queue.MaxAttempts = 3
	}
	if opts.Presence.StaleSeconds == 0 {
		opts.Presence.StaleSeconds = 120
	}

	d := &Dispatcher{
		db:       opts.DB,
		adapter:  opts.Adapter,
		registry: opts.Registry,
		alerts:   opts.Alerts,
		breaker:  opts.Breaker,
		queue:    opts.Queue,
		presence: opts.Presence,
	}
	if d.breaker.OnOpen == nil {
		d.breaker.OnOpen = d.alertBreakerOpen
	}
	return d, nil
}

// Registry exposes the presence registry for the HTTP event stream.
func (d *Dispatcher) Registry() *presence.Registry {
	return d.registry
}

// alertBreakerOpen surfaces a tripped breaker to supervisors.
func (d *Dispatcher) alertBreakerOpen(lineID uint) {
	var line models.Line
	d.db.Where("id = ?", lineID).Limit(1).Find(&line)
	d.alerts.Raise(d.db, models.Alert{
		Severity:  models.AlertError,
		Subject:   fmt.Sprintf("Line %s: provider channel unavailable", line.Number),
		Body:      fmt.Sprintf("Circuit breaker opened for line %d; sends fail fast until the channel recovers.", lineID),
		SegmentID: line.SegmentID,
	})
}
