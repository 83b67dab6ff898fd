package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/pending"
	"github.com/rgalvao/switchboard/internal/presence"
	"github.com/rgalvao/switchboard/internal/router"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OperatorConnect flips the operator online and immediately puts them to
// work: the segment's pending queue is drained to them first, then they
// claim unassigned backlog up to capacity.
func (d *Dispatcher) OperatorConnect(operatorID string) (drained, claimed int, err error) {
	var op models.Operator
	if err := d.db.Where("id = ?", operatorID).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, fmt.Errorf("dispatch: operator %s: %w", operatorID, fault.ErrNotFound)
		}
		return 0, 0, fmt.Errorf("dispatch: get operator %s: %w", operatorID, err)
	}

	if err := presence.SetOnline(d.db, operatorID, time.Now()); err != nil {
		return 0, 0, err
	}

	drained, err = pending.Drain(d.db, op.SegmentID, operatorID, pending.DrainOpts{
		BatchCap:    d.queue.DrainBatchCap,
		MaxAttempts: d.queue.MaxAttempts,
		Alerts:      d.alerts,
	})
	if err != nil {
		return drained, 0, err
	}

	claimed, err = router.ClaimBatch(d.db, operatorID, op.SegmentID, d.queue.DrainBatchCap)
	if err != nil {
		return drained, claimed, err
	}

	log.Info().Str("operator_id", operatorID).Int("drained", drained).Int("claimed", claimed).
		Msg("operator connected")
	return drained, claimed, nil
}

// OperatorDisconnect flips the operator offline. Their active conversations
// stay assigned; new traffic for those contacts keeps routing to them until
// a supervisor transfers or the conversations close.
func (d *Dispatcher) OperatorDisconnect(operatorID string) error {
	if err := presence.SetOffline(d.db, operatorID); err != nil {
		return err
	}
	log.Info().Str("operator_id", operatorID).Msg("operator disconnected")
	return nil
}

// Heartbeat refreshes the operator's last-seen timestamp.
func (d *Dispatcher) Heartbeat(operatorID string) error {
	return presence.Touch(d.db, operatorID, time.Now())
}
