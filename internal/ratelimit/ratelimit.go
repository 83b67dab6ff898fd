// Package ratelimit caps outbound volume per line per calendar day.
//
// The cap is enforced by reserve-before-send: recording a send is one
// conditional increment that refuses to pass the cap. There is no
// check-then-increment anywhere, so the cap holds no matter how many senders
// race.
package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/metrics"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// DayKey formats the daily window key for a point in time.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// CanSend reports whether the line still has quota today. Advisory only:
// Reserve is the authoritative gate.
func CanSend(tx *gorm.DB, lineID uint, now time.Time) (bool, error) {
	var counter models.RateCounter
	result := tx.Where("line_id = ? AND day = ?", lineID, DayKey(now)).Limit(1).Find(&counter)
	if result.Error != nil {
		return false, fmt.Errorf("ratelimit: read counter for line %d: %w", lineID, result.Error)
	}
	if result.RowsAffected == 0 {
		return true, nil
	}
	return counter.Count < counter.Cap, nil
}

// Reserve atomically takes one send slot for the line today. It returns
// fault.ErrRateLimited when the cap is exhausted; a successful return means
// the slot is counted and the caller may send.
func Reserve(tx *gorm.DB, lineID uint, now time.Time) error {
	day := DayKey(now)

	// Fast path: the day's counter exists and has room.
	taken, err := increment(tx, lineID, day)
	if err != nil {
		return err
	}
	if taken {
		return nil
	}

	// Either the counter row doesn't exist yet or the cap is exhausted.
	var existing int64
	if err := tx.Model(&models.RateCounter{}).
		Where("line_id = ? AND day = ?", lineID, day).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("ratelimit: check counter for line %d: %w", lineID, err)
	}
	if existing > 0 {
		metrics.RateLimited.Inc()
		return fmt.Errorf("ratelimit: line %d cap exhausted for %s: %w", lineID, day, fault.ErrRateLimited)
	}

	limit, err := lineCap(tx, lineID)
	if err != nil {
		return err
	}
	counter := models.RateCounter{LineID: lineID, Day: day, Count: 1, Cap: limit}
	if err := tx.Create(&counter).Error; err != nil {
		// Duplicate key: another sender created the row first. Go back
		// through the conditional increment.
		taken, incErr := increment(tx, lineID, day)
		if incErr != nil {
			return incErr
		}
		if taken {
			return nil
		}
		metrics.RateLimited.Inc()
		return fmt.Errorf("ratelimit: line %d cap exhausted for %s: %w", lineID, day, fault.ErrRateLimited)
	}
	return nil
}

// increment is the single atomic reserve step: count moves only while it is
// strictly under the cap.
func increment(tx *gorm.DB, lineID uint, day string) (bool, error) {
	result := tx.Model(&models.RateCounter{}).
		Where("line_id = ? AND day = ? AND count < cap", lineID, day).
		Update("count", gorm.Expr("count + 1"))
	if result.Error != nil {
		return false, fmt.Errorf("ratelimit: reserve for line %d: %w", lineID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// lineCap resolves the daily cap for a line, falling back to the desk-wide
// default when the line has none configured.
func lineCap(tx *gorm.DB, lineID uint) (int, error) {
	var line models.Line
	if err := tx.Where("id = ?", lineID).First(&line).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("ratelimit: line %d: %w", lineID, fault.ErrNotFound)
		}
		return 0, fmt.Errorf("ratelimit: get line %d: %w", lineID, err)
	}
	if line.DailyCap > 0 {
		return line.DailyCap, nil
	}
	cc, err := db.ControlConfig(tx)
	if err != nil {
		return 0, err
	}
	return cc.DefaultDailyCap, nil
}

// PruneBefore deletes counters for days before the cutoff. Old windows are
// dead weight once the day rolls over.
func PruneBefore(tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := tx.Where("day < ?", DayKey(cutoff)).Delete(&models.RateCounter{})
	if result.Error != nil {
		return 0, fmt.Errorf("ratelimit: prune counters: %w", result.Error)
	}
	return result.RowsAffected, nil
}
