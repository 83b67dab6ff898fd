// Package breaker isolates a degraded line's provider channel. Each line has
// a persisted three-state breaker (closed, open, half-open); transitions are
// conditional updates guarded by a generation counter, so concurrent service
// instances cannot double-transition.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/metrics"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultCallTimeout bounds one provider call. A timed-out call counts as a
// breaker failure.
const DefaultCallTimeout = 30 * time.Second

// Settings holds the breaker thresholds shared by every line.
type Settings struct {
	MinSamples   int
	FailureRatio float64
	Window       time.Duration
	ResetTimeout time.Duration
	CallTimeout  time.Duration

	// OnOpen is invoked after the breaker trips open for a line. Optional.
	OnOpen func(lineID uint)
}

// FromConfig builds Settings from the loaded configuration.
func FromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		MinSamples:   cfg.MinSamples,
		FailureRatio: cfg.FailureRatio,
		Window:       time.Duration(cfg.WindowSeconds) * time.Second,
		ResetTimeout: time.Duration(cfg.ResetTimeoutSeconds) * time.Second,
		CallTimeout:  DefaultCallTimeout,
	}
}

// Do executes call under the line's breaker. When the breaker is open it
// fails immediately with fault.ErrChannelUnavailable and no network attempt.
// In half-open exactly one trial call is let through; its outcome decides
// the next state. Permanent delivery errors mean the channel answered, so
// they do not count against it.
func Do(ctx context.Context, tx *gorm.DB, lineID uint, s Settings, call func(ctx context.Context) error) error {
	now := time.Now()
	trial, err := allow(tx, lineID, s, now)
	if err != nil {
		return err
	}

	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callErr := call(callCtx)
	failed := callErr != nil && !fault.IsPermanentDelivery(callErr)
	if errors.Is(callErr, context.DeadlineExceeded) {
		callErr = fault.Transient(callErr)
		failed = true
	}

	if failed {
		recordFailure(tx, lineID, s, trial, time.Now())
	} else {
		recordSuccess(tx, lineID, s, trial, time.Now())
	}
	return callErr
}

// allow decides whether a call may proceed. The bool result reports whether
// this call is the half-open trial.
func allow(tx *gorm.DB, lineID uint, s Settings, now time.Time) (bool, error) {
	st, err := load(tx, lineID, now)
	if err != nil {
		return false, err
	}

	switch st.State {
	case models.BreakerClosed:
		return false, nil

	case models.BreakerOpen:
		if st.OpenedAt == nil || now.Sub(*st.OpenedAt) < s.ResetTimeout {
			return false, unavailable(lineID)
		}
		// Reset timeout elapsed: try to become the half-open trial.
		if transition(tx, st, map[string]interface{}{
			"state":            models.BreakerHalfOpen,
			"trial_in_flight":  true,
			"trial_started_at": now,
		}) {
			metrics.BreakerTransitions.WithLabelValues(models.BreakerHalfOpen).Inc()
			return true, nil
		}
		// Lost the race; someone else owns the trial.
		return false, unavailable(lineID)

	case models.BreakerHalfOpen:
		// A trial whose owner died before recording an outcome would hold
		// the flag forever. Once it has outlived the call timeout, the next
		// caller takes it over.
		if st.TrialInFlight && !trialStale(st, s, now) {
			return false, unavailable(lineID)
		}
		if transition(tx, st, map[string]interface{}{
			"trial_in_flight":  true,
			"trial_started_at": now,
		}) {
			return true, nil
		}
		return false, unavailable(lineID)

	default:
		return false, fmt.Errorf("breaker: line %d in unknown state %q", lineID, st.State)
	}
}

// recordSuccess folds a successful call into the breaker state.
func recordSuccess(tx *gorm.DB, lineID uint, s Settings, trial bool, now time.Time) {
	st, err := load(tx, lineID, now)
	if err != nil {
		log.Warn().Err(err).Uint("line_id", lineID).Msg("breaker: record success")
		return
	}

	if trial {
		if transition(tx, st, map[string]interface{}{
			"state":             models.BreakerClosed,
			"failures":          0,
			"samples":           0,
			"window_started_at": now,
			"trial_in_flight":   false,
			"trial_started_at":  nil,
			"opened_at":         nil,
		}) {
			metrics.BreakerTransitions.WithLabelValues(models.BreakerClosed).Inc()
			log.Info().Uint("line_id", lineID).Msg("breaker closed after successful trial")
		}
		return
	}
	if st.State != models.BreakerClosed {
		return
	}

	failures, samples := windowed(st, s, now)
	transition(tx, st, map[string]interface{}{
		"failures":          failures,
		"samples":           samples + 1,
		"window_started_at": windowStart(st, s, now),
	})
}

// recordFailure folds a failed call into the breaker state, tripping it open
// when the rolling failure ratio crosses the threshold.
func recordFailure(tx *gorm.DB, lineID uint, s Settings, trial bool, now time.Time) {
	st, err := load(tx, lineID, now)
	if err != nil {
		log.Warn().Err(err).Uint("line_id", lineID).Msg("breaker: record failure")
		return
	}

	if trial {
		if transition(tx, st, map[string]interface{}{
			"state":            models.BreakerOpen,
			"opened_at":        now,
			"trial_in_flight":  false,
			"trial_started_at": nil,
		}) {
			metrics.BreakerTransitions.WithLabelValues(models.BreakerOpen).Inc()
			log.Warn().Uint("line_id", lineID).Msg("breaker reopened after failed trial")
			if s.OnOpen != nil {
				s.OnOpen(lineID)
			}
		}
		return
	}
	if st.State != models.BreakerClosed {
		return
	}

	failures, samples := windowed(st, s, now)
	failures++
	samples++

	update := map[string]interface{}{
		"failures":          failures,
		"samples":           samples,
		"window_started_at": windowStart(st, s, now),
	}
	tripped := samples >= s.MinSamples && float64(failures)/float64(samples) >= s.FailureRatio
	if tripped {
		update["state"] = models.BreakerOpen
		update["opened_at"] = now
	}
	if transition(tx, st, update) && tripped {
		metrics.BreakerTransitions.WithLabelValues(models.BreakerOpen).Inc()
		log.Warn().Uint("line_id", lineID).Int("failures", failures).Int("samples", samples).
			Msg("breaker opened")
		if s.OnOpen != nil {
			s.OnOpen(lineID)
		}
	}
}

// trialStale reports whether a half-open trial has outlived the call timeout
// with enough slack that its owner cannot still be waiting on the provider.
func trialStale(st models.BreakerState, s Settings, now time.Time) bool {
	if !st.TrialInFlight {
		return false
	}
	if st.TrialStartedAt == nil {
		return true
	}
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return now.Sub(*st.TrialStartedAt) > timeout+timeout/2
}

// transition applies updates to the breaker row only if nobody else has
// touched it since it was read. Returns whether the write won.
func transition(tx *gorm.DB, st models.BreakerState, updates map[string]interface{}) bool {
	updates["generation"] = st.Generation + 1
	result := tx.Model(&models.BreakerState{}).
		Where("line_id = ? AND generation = ?", st.LineID, st.Generation).
		Updates(updates)
	if result.Error != nil {
		log.Warn().Err(result.Error).Uint("line_id", st.LineID).Msg("breaker: transition")
		return false
	}
	return result.RowsAffected > 0
}

// windowed returns the current rolling counters, zeroed when the window has
// lapsed.
func windowed(st models.BreakerState, s Settings, now time.Time) (failures, samples int) {
	if now.Sub(st.WindowStartedAt) > s.Window {
		return 0, 0
	}
	return st.Failures, st.Samples
}

// windowStart keeps the current window or starts a fresh one.
func windowStart(st models.BreakerState, s Settings, now time.Time) time.Time {
	if now.Sub(st.WindowStartedAt) > s.Window {
		return now
	}
	return st.WindowStartedAt
}

// load fetches the line's breaker row, creating a closed one if missing.
func load(tx *gorm.DB, lineID uint, now time.Time) (models.BreakerState, error) {
	var st models.BreakerState
	err := tx.Where(models.BreakerState{LineID: lineID}).
		Attrs(models.BreakerState{State: models.BreakerClosed, WindowStartedAt: now}).
		FirstOrCreate(&st).Error
	if err != nil {
		return st, fmt.Errorf("breaker: load state for line %d: %w", lineID, err)
	}
	return st, nil
}

// State returns the line's current breaker state name for observability.
func State(tx *gorm.DB, lineID uint) (string, error) {
	var st models.BreakerState
	result := tx.Where("line_id = ?", lineID).Limit(1).Find(&st)
	if result.Error != nil {
		return "", fmt.Errorf("breaker: state for line %d: %w", lineID, result.Error)
	}
	if result.RowsAffected == 0 {
		return models.BreakerClosed, nil
	}
	return st.State, nil
}

func unavailable(lineID uint) error {
	return fmt.Errorf("breaker: line %d open: %w", lineID, fault.ErrChannelUnavailable)
}
