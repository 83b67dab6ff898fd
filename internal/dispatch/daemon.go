package dispatch

import (
	"context"
	"time"

	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/pending"
	"github.com/rgalvao/switchboard/internal/presence"
	"github.com/rgalvao/switchboard/internal/ratelimit"
	"github.com/rgalvao/switchboard/internal/router"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// stuckThreshold is how long a pending entry may sit in processing before a
// sweep assumes its drainer died and returns it to the queue.
const stuckThreshold = 5 * time.Minute

// RunDaemon runs the background sweeps until ctx is cancelled: queue
// re-drain for under-loaded online operators, stale presence cleanup, and
// daily rate-counter pruning.
func (d *Dispatcher) RunDaemon(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc("@every 1m", d.sweepQueue); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 1m", d.sweepPresence); err != nil {
		return err
	}
	if _, err := c.AddFunc("15 0 * * *", d.sweepCounters); err != nil {
		return err
	}

	c.Start()
	log.Info().Msg("dispatch daemon started")
	<-ctx.Done()

	stop := c.Stop()
	<-stop.Done()
	log.Info().Msg("dispatch daemon stopped")
	return nil
}

// sweepQueue requeues stuck entries and re-drains each segment's backlog to
// online operators with free capacity.
func (d *Dispatcher) sweepQueue() {
	requeued, err := pending.RequeueStuck(d.db, stuckThreshold, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("sweep: requeue stuck")
	} else if requeued > 0 {
		log.Info().Int64("requeued", requeued).Msg("sweep: returned stuck entries to queue")
	}

	var operators []models.Operator
	if err := d.db.Where("online = ?", true).Find(&operators).Error; err != nil {
		log.Warn().Err(err).Msg("sweep: list online operators")
		return
	}
	for _, op := range operators {
		depth, err := pending.Depth(d.db, op.SegmentID)
		if err != nil {
			log.Warn().Err(err).Msg("sweep: queue depth")
			continue
		}
		if depth == 0 {
			continue
		}
		slots, err := router.FreeSlots(d.db, op.ID)
		if err != nil {
			log.Warn().Err(err).Msg("sweep: free slots")
			continue
		}
		if slots <= 0 {
			continue
		}
		batch := d.queue.DrainBatchCap
		if slots < batch {
			batch = slots
		}
		drained, err := pending.Drain(d.db, op.SegmentID, op.ID, pending.DrainOpts{
			BatchCap:    batch,
			MaxAttempts: d.queue.MaxAttempts,
			Alerts:      d.alerts,
		})
		if err != nil {
			log.Warn().Err(err).Str("operator_id", op.ID).Msg("sweep: drain")
			continue
		}
		if drained > 0 {
			log.Info().Str("operator_id", op.ID).Int("drained", drained).Msg("sweep: drained queue")
		}
	}
}

// sweepPresence flips operators offline when their heartbeat went stale.
func (d *Dispatcher) sweepPresence() {
	threshold := time.Duration(d.presence.StaleSeconds) * time.Second
	ids, err := presence.SweepStale(d.db, threshold, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("sweep: stale presence")
		return
	}
	for _, id := range ids {
		log.Info().Str("operator_id", id).Msg("sweep: operator marked offline (stale heartbeat)")
	}
}

// sweepCounters drops rate counters from previous days.
func (d *Dispatcher) sweepCounters() {
	pruned, err := ratelimit.PruneBefore(d.db, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("sweep: prune rate counters")
		return
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("sweep: pruned stale rate counters")
	}
}
