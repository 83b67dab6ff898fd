// Package presence tracks operator availability. The persisted online flag
// is authoritative — routing and policy consult the database. The in-process
// registry is only a hint for where to push real-time events.
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// Event is one real-time push to an operator's stream.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Registry fans events out to the operators connected to this process.
// Losing an event is acceptable; the database remains the source of truth.
type Registry struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]chan Event)}
}

// Subscribe registers a stream for the operator. The returned cancel func
// removes the subscription and closes the channel.
func (r *Registry) Subscribe(operatorID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	r.mu.Lock()
	r.subs[operatorID] = append(r.subs[operatorID], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		chans := r.subs[operatorID]
		for i, c := range chans {
			if c == ch {
				r.subs[operatorID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(r.subs[operatorID]) == 0 {
			delete(r.subs, operatorID)
		}
	}
	return ch, cancel
}

// Notify pushes an event to the operator's streams on this process. A slow
// or absent subscriber is skipped, never blocked on.
func (r *Registry) Notify(operatorID, event string, payload interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs[operatorID] {
		select {
		case ch <- Event{Name: event, Payload: payload}:
		default:
		}
	}
}

// NotifySegmentSupervisors pushes an event to every supervisor or admin in
// the segment.
func (r *Registry) NotifySegmentSupervisors(tx *gorm.DB, segmentID uint, event string, payload interface{}) error {
	var sups []models.Operator
	err := tx.Where("segment_id = ? AND role IN ?", segmentID, []string{models.RoleSupervisor, models.RoleAdmin}).
		Find(&sups).Error
	if err != nil {
		return fmt.Errorf("presence: list supervisors for segment %d: %w", segmentID, err)
	}
	for _, s := range sups {
		r.Notify(s.ID, event, payload)
	}
	return nil
}

// SetOnline flips the authoritative flag on. The continuous-connection
// timestamp is stamped only on the offline→online transition so reconnect
// churn can't be gamed into routing priority.
func SetOnline(tx *gorm.DB, operatorID string, now time.Time) error {
	result := tx.Model(&models.Operator{}).
		Where("id = ? AND online = ?", operatorID, false).
		Updates(map[string]interface{}{
			"online":       true,
			"online_since": now,
			"last_seen":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("presence: set online %s: %w", operatorID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Already online (or unknown): refresh last_seen without touching the
	// continuous-connection start.
	touched := tx.Model(&models.Operator{}).
		Where("id = ?", operatorID).
		Update("last_seen", now)
	if touched.Error != nil {
		return fmt.Errorf("presence: touch %s: %w", operatorID, touched.Error)
	}
	if touched.RowsAffected == 0 {
		return fmt.Errorf("presence: operator %s: %w", operatorID, fault.ErrNotFound)
	}
	return nil
}

// SetOffline flips the authoritative flag off and clears the connection
// timestamp.
func SetOffline(tx *gorm.DB, operatorID string) error {
	result := tx.Model(&models.Operator{}).
		Where("id = ?", operatorID).
		Updates(map[string]interface{}{
			"online":       false,
			"online_since": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("presence: set offline %s: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("presence: operator %s: %w", operatorID, fault.ErrNotFound)
	}
	return nil
}

// Touch refreshes the operator's heartbeat.
func Touch(tx *gorm.DB, operatorID string, now time.Time) error {
	result := tx.Model(&models.Operator{}).
		Where("id = ?", operatorID).
		Update("last_seen", now)
	if result.Error != nil {
		return fmt.Errorf("presence: touch %s: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("presence: operator %s: %w", operatorID, fault.ErrNotFound)
	}
	return nil
}

// SweepStale flips operators offline when their heartbeat is older than
// threshold, returning the affected IDs. The socket registry may believe
// they are reachable; the flag decides.
func SweepStale(tx *gorm.DB, threshold time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-threshold)

	var stale []models.Operator
	if err := tx.Where("online = ? AND last_seen < ?", true, cutoff).Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("presence: find stale operators: %w", err)
	}
	ids := make([]string, 0, len(stale))
	for _, op := range stale {
		if err := SetOffline(tx, op.ID); err != nil {
			return ids, err
		}
		ids = append(ids, op.ID)
	}
	return ids, nil
}
