package dispatch

import (
	"errors"
	"fmt"

	"github.com/rgalvao/switchboard/internal/convo"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// BanLine marks a line banned and migrates its active conversations to
// another line in the segment. With no replacement the conversations are
// left orphaned of line — visible and assigned, but outbound-disabled until
// a line comes back.
func (d *Dispatcher) BanLine(lineID uint) (int64, error) {
	var line models.Line
	if err := d.db.Where("id = ?", lineID).First(&line).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("dispatch: line %d: %w", lineID, fault.ErrNotFound)
		}
		return 0, fmt.Errorf("dispatch: get line %d: %w", lineID, err)
	}

	result := d.db.Model(&models.Line{}).
		Where("id = ? AND status = ?", lineID, models.LineActive).
		Update("status", models.LineBanned)
	if result.Error != nil {
		return 0, fmt.Errorf("dispatch: ban line %d: %w", lineID, result.Error)
	}
	if result.RowsAffected == 0 {
		// Already banned; nothing more to migrate.
		return 0, nil
	}

	migrated, replaced, err := convo.MigrateLine(d.db, lineID)
	if err != nil {
		return 0, err
	}

	body := fmt.Sprintf("Line %s was banned; %d active conversations migrated.", line.Number, migrated)
	severity := models.AlertWarning
	if !replaced {
		body = fmt.Sprintf("Line %s was banned and no active line remains in segment %d; its conversations are outbound-disabled until a line is available.", line.Number, line.SegmentID)
		severity = models.AlertError
	}
	if err := d.alerts.Raise(d.db, models.Alert{
		Severity:  severity,
		Subject:   fmt.Sprintf("Line %s banned", line.Number),
		Body:      body,
		SegmentID: line.SegmentID,
	}); err != nil {
		log.Error().Err(err).Uint("line_id", lineID).Msg("ban alert failed")
	}
	return migrated, nil
}
