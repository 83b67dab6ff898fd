// Package pending is the durable backlog for inbound messages that had no
// eligible operator. Limbo beats loss: entries wait here until an operator
// frees up, and only leave as a Conversation row or a surfaced failure.
package pending

import (
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/alert"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/metrics"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/router"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultMaxAttempts is the drain attempt budget before an entry is marked
// terminally failed.
const DefaultMaxAttempts = 3

// Enqueue parks an inbound message in the queue.
func Enqueue(tx *gorm.DB, entry models.PendingMessage) (*models.PendingMessage, error) {
	if entry.ContactPhone == "" {
		return nil, fmt.Errorf("pending: contact phone is required: %w", fault.ErrValidation)
	}
	entry.Status = models.PendingStatusPending
	entry.Attempts = 0
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("pending: enqueue for %s: %w", entry.ContactPhone, err)
	}
	metrics.InboundEnqueued.Inc()
	return &entry, nil
}

// DrainOpts holds parameters for a drain pass.
type DrainOpts struct {
	BatchCap    int // bounds the burst delivered to a reconnecting operator
	MaxAttempts int // 0 means DefaultMaxAttempts
	Alerts      *alert.Manager
}

// Drain moves up to BatchCap of the segment's oldest pending entries to the
// operator, converting each into a Conversation row. The batch is clamped to
// the operator's free capacity, so a drain never pushes them past the desk
// cap. Each entry is claimed with a conditional update from pending to
// processing, so two drainers cannot double-deliver. A failed conversion goes
// back to pending until the attempt budget runs out, then the entry is marked
// failed and alerted on.
func Drain(tx *gorm.DB, segmentID uint, operatorID string, opts DrainOpts) (int, error) {
	if operatorID == "" {
		return 0, fmt.Errorf("pending: operatorID is required: %w", fault.ErrValidation)
	}
	if opts.BatchCap <= 0 {
		return 0, nil
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var op models.Operator
	result := tx.Where("id = ?", operatorID).Limit(1).Find(&op)
	if result.Error != nil {
		return 0, fmt.Errorf("pending: get operator %s: %w", operatorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("pending: operator %s: %w", operatorID, fault.ErrNotFound)
	}

	slots, err := router.FreeSlots(tx, operatorID)
	if err != nil {
		return 0, err
	}
	batch := opts.BatchCap
	if slots < batch {
		batch = slots
	}
	if batch <= 0 {
		return 0, nil
	}

	var entries []models.PendingMessage
	err = tx.Where("segment_id = ? AND status = ?", segmentID, models.PendingStatusPending).
		Order("created_at ASC").
		Limit(batch).
		Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("pending: list for segment %d: %w", segmentID, err)
	}

	drained := 0
	for i := range entries {
		ok, err := drainOne(tx, &entries[i], &op, maxAttempts, opts.Alerts)
		if err != nil {
			return drained, err
		}
		if ok {
			drained++
		}
	}
	return drained, nil
}

// drainOne processes a single entry. Returns whether the entry was delivered.
func drainOne(tx *gorm.DB, entry *models.PendingMessage, op *models.Operator, maxAttempts int, alerts *alert.Manager) (bool, error) {
	// Claim: pending → processing, counting the attempt. Zero rows means
	// another drainer took it.
	claim := tx.Model(&models.PendingMessage{}).
		Where("id = ? AND status = ?", entry.ID, models.PendingStatusPending).
		Updates(map[string]interface{}{
			"status":   models.PendingStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if claim.Error != nil {
		return false, fmt.Errorf("pending: claim entry %d: %w", entry.ID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		return false, nil
	}
	attempts := entry.Attempts + 1

	row := models.Conversation{
		ContactPhone: entry.ContactPhone,
		ContactName:  entry.ContactName,
		SegmentID:    entry.SegmentID,
		LineID:       entry.LineID,
		OperatorID:   &op.ID,
		OperatorName: op.Name,
		Sender:       models.SenderContact,
		Body:         entry.Body,
		ContentType:  entry.ContentType,
		MediaRef:     entry.MediaRef,
		// Keep the original arrival time so per-contact ordering survives
		// the detour through the queue.
		CreatedAt: entry.CreatedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return false, settleFailure(tx, entry, attempts, maxAttempts, alerts, err)
	}

	if err := tx.Model(&models.PendingMessage{}).
		Where("id = ?", entry.ID).
		Update("status", models.PendingStatusSent).Error; err != nil {
		return false, fmt.Errorf("pending: mark sent %d: %w", entry.ID, err)
	}
	metrics.PendingDrained.Inc()
	return true, nil
}

// settleFailure reverts a failed conversion to pending, or marks the entry
// terminally failed once the budget is exhausted.
func settleFailure(tx *gorm.DB, entry *models.PendingMessage, attempts, maxAttempts int, alerts *alert.Manager, cause error) error {
	if attempts < maxAttempts {
		log.Warn().Err(cause).Uint("entry_id", entry.ID).Int("attempts", attempts).
			Msg("pending: drain failed, will retry")
		if err := tx.Model(&models.PendingMessage{}).
			Where("id = ?", entry.ID).
			Update("status", models.PendingStatusPending).Error; err != nil {
			return fmt.Errorf("pending: revert entry %d: %w", entry.ID, err)
		}
		return nil
	}

	if err := tx.Model(&models.PendingMessage{}).
		Where("id = ?", entry.ID).
		Update("status", models.PendingStatusFailed).Error; err != nil {
		return fmt.Errorf("pending: mark failed %d: %w", entry.ID, err)
	}
	metrics.PendingFailed.Inc()

	raiseErr := alerts.Raise(tx, models.Alert{
		Severity:  models.AlertError,
		Subject:   fmt.Sprintf("Pending message for %s failed after %d attempts", entry.ContactPhone, attempts),
		Body:      fmt.Sprintf("Last error: %v", cause),
		SegmentID: entry.SegmentID,
	})
	if raiseErr != nil {
		log.Error().Err(raiseErr).Uint("entry_id", entry.ID).Msg("pending: alert failed")
	}
	return nil
}

// Depth counts pending entries for a segment, for observability and tests.
func Depth(tx *gorm.DB, segmentID uint) (int64, error) {
	var count int64
	err := tx.Model(&models.PendingMessage{}).
		Where("segment_id = ? AND status = ?", segmentID, models.PendingStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("pending: depth for segment %d: %w", segmentID, err)
	}
	return count, nil
}

// RequeueStuck returns entries stuck in processing longer than threshold to
// pending. A crashed drainer must not strand work.
func RequeueStuck(tx *gorm.DB, threshold time.Duration, now time.Time) (int64, error) {
	result := tx.Model(&models.PendingMessage{}).
		Where("status = ? AND updated_at < ?", models.PendingStatusProcessing, now.Add(-threshold)).
		Update("status", models.PendingStatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("pending: requeue stuck: %w", result.Error)
	}
	return result.RowsAffected, nil
}
