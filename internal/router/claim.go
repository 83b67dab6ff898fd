package router

import (
	"errors"
	"fmt"

	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// unassignedActive matches conversation rows still claimable: no owner, not
// tabulated. Claim and drain share this condition.
const unassignedActive = "tabulation_id IS NULL AND (operator_id IS NULL OR operator_id = '')"

// ClaimBatch pulls unassigned conversations from the segment's backlog into
// the operator's queue, oldest contact first, never past the operator's
// capacity. Every active row for a claimed phone moves as a unit.
//
// The reassignment is a conditional update matching only rows that are still
// unassigned, so when two operators race for the same phone at most one
// update matches and ownership is never split.
func ClaimBatch(tx *gorm.DB, operatorID string, segmentID uint, requestedLimit int) (int, error) {
	if operatorID == "" {
		return 0, fmt.Errorf("router: operatorID is required: %w", fault.ErrValidation)
	}
	if requestedLimit <= 0 {
		return 0, nil
	}

	var op models.Operator
	if err := tx.Where("id = ?", operatorID).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("router: operator %s: %w", operatorID, fault.ErrNotFound)
		}
		return 0, fmt.Errorf("router: get operator %s: %w", operatorID, err)
	}

	slots, err := FreeSlots(tx, operatorID)
	if err != nil {
		return 0, err
	}
	if slots <= 0 {
		return 0, nil
	}
	effective := requestedLimit
	if slots < effective {
		effective = slots
	}

	phones, err := claimablePhones(tx, segmentID, effective)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, phone := range phones {
		result := tx.Model(&models.Conversation{}).
			Where("contact_phone = ? AND segment_id = ?", phone, segmentID).
			Where(unassignedActive).
			Updates(map[string]interface{}{
				"operator_id":   operatorID,
				"operator_name": op.Name,
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("router: claim %s: %w", phone, result.Error)
		}
		// Zero rows means another claimer got there first.
		if result.RowsAffected > 0 {
			claimed++
		}
	}
	return claimed, nil
}

// claimablePhones lists distinct unassigned active phones in the segment,
// oldest first (FIFO fairness).
func claimablePhones(tx *gorm.DB, segmentID uint, limit int) ([]string, error) {
	type phoneRow struct {
		ContactPhone string
		Oldest       string
	}
	var rows []phoneRow
	err := tx.Model(&models.Conversation{}).
		Select("contact_phone, MIN(created_at) AS oldest").
		Where("segment_id = ?", segmentID).
		Where(unassignedActive).
		Group("contact_phone").
		Order("oldest ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("router: list claimable phones: %w", err)
	}
	phones := make([]string, len(rows))
	for i, r := range rows {
		phones[i] = r.ContactPhone
	}
	return phones, nil
}
