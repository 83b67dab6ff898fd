// Package convo owns the conversation lifecycle. A row is active until a
// tabulation closes it; closing is monotonic and tabulated history is
// immutable — every operation here touches active rows only.
package convo

import (
	"errors"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// Append records one message event. The caller decides ownership; Append
// only validates the basics.
func Append(tx *gorm.DB, row models.Conversation) (*models.Conversation, error) {
	if row.ContactPhone == "" {
		return nil, fmt.Errorf("convo: contact phone is required: %w", fault.ErrValidation)
	}
	if row.Sender != models.SenderContact && row.Sender != models.SenderOperator {
		return nil, fmt.Errorf("convo: sender %q: %w", row.Sender, fault.ErrValidation)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("convo: append for %s: %w", row.ContactPhone, err)
	}
	return &row, nil
}

// ActiveOwner returns the operator holding the phone's active conversation,
// if any.
func ActiveOwner(tx *gorm.DB, phone string) (string, bool, error) {
	var row models.Conversation
	result := tx.Where("contact_phone = ? AND tabulation_id IS NULL AND operator_id IS NOT NULL AND operator_id != ''", phone).
		Order("created_at DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return "", false, fmt.Errorf("convo: active owner for %s: %w", phone, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return *row.OperatorID, true, nil
}

// Tabulate closes every active row for the phone with the given tabulation.
// Once set, no engine operation ever clears it.
func Tabulate(tx *gorm.DB, phone string, tabulationID uint, operatorID string) (int64, error) {
	if phone == "" {
		return 0, fmt.Errorf("convo: phone is required: %w", fault.ErrValidation)
	}
	if tabulationID == 0 {
		return 0, fmt.Errorf("convo: tabulationID is required: %w", fault.ErrValidation)
	}
	result := tx.Model(&models.Conversation{}).
		Where("contact_phone = ? AND tabulation_id IS NULL", phone).
		Update("tabulation_id", tabulationID)
	if result.Error != nil {
		return 0, fmt.Errorf("convo: tabulate %s: %w", phone, result.Error)
	}
	return result.RowsAffected, nil
}

// Transfer hands the phone's active conversation to another operator.
// Supervisor or admin only; the target must work the contact's segment.
// Tabulated rows stay exactly as they were.
func Transfer(tx *gorm.DB, phone, targetOperatorID string, actor *models.Operator) (int64, error) {
	if phone == "" {
		return 0, fmt.Errorf("convo: phone is required: %w", fault.ErrValidation)
	}
	if actor == nil || !actor.Supervisor() {
		return 0, fmt.Errorf("convo: transfer requires a supervisor or admin: %w", fault.ErrValidation)
	}

	var target models.Operator
	if err := tx.Where("id = ?", targetOperatorID).First(&target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("convo: operator %s: %w", targetOperatorID, fault.ErrNotFound)
		}
		return 0, fmt.Errorf("convo: get operator %s: %w", targetOperatorID, err)
	}

	segmentID, err := phoneSegment(tx, phone)
	if err != nil {
		return 0, err
	}
	if segmentID != 0 && target.SegmentID != segmentID {
		return 0, fmt.Errorf("convo: operator %s is outside segment %d: %w", targetOperatorID, segmentID, fault.ErrValidation)
	}

	result := tx.Model(&models.Conversation{}).
		Where("contact_phone = ? AND tabulation_id IS NULL", phone).
		Updates(map[string]interface{}{
			"operator_id":   target.ID,
			"operator_name": target.Name,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("convo: transfer %s: %w", phone, result.Error)
	}
	return result.RowsAffected, nil
}

// Recall re-opens contact with the phone after a line ban: a fresh
// operator-sent row under the operator's current line. Old rows are not
// resurrected.
func Recall(tx *gorm.DB, phone, operatorID string, newLineID uint, body string) (*models.Conversation, error) {
	if phone == "" {
		return nil, fmt.Errorf("convo: phone is required: %w", fault.ErrValidation)
	}
	var op models.Operator
	if err := tx.Where("id = ?", operatorID).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("convo: operator %s: %w", operatorID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("convo: get operator %s: %w", operatorID, err)
	}

	var line models.Line
	if err := tx.Where("id = ? AND status = ?", newLineID, models.LineActive).First(&line).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("convo: active line %d: %w", newLineID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("convo: get line %d: %w", newLineID, err)
	}

	return Append(tx, models.Conversation{
		ContactPhone: phone,
		SegmentID:    line.SegmentID,
		LineID:       &line.ID,
		OperatorID:   &op.ID,
		OperatorName: op.Name,
		Sender:       models.SenderOperator,
		Body:         body,
	})
}

// MigrateLine moves every active row off a banned line onto another active
// line in the same segment. With no replacement available the rows keep the
// banned line — orphaned and outbound-disabled, but never dropped. The bool
// result reports whether a replacement line was found.
func MigrateLine(tx *gorm.DB, bannedLineID uint) (int64, bool, error) {
	var banned models.Line
	if err := tx.Where("id = ?", bannedLineID).First(&banned).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, fmt.Errorf("convo: line %d: %w", bannedLineID, fault.ErrNotFound)
		}
		return 0, false, fmt.Errorf("convo: get line %d: %w", bannedLineID, err)
	}

	var replacement models.Line
	result := tx.Where("segment_id = ? AND status = ? AND id != ?", banned.SegmentID, models.LineActive, bannedLineID).
		Limit(1).
		Find(&replacement)
	if result.Error != nil {
		return 0, false, fmt.Errorf("convo: find replacement line: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}

	moved := tx.Model(&models.Conversation{}).
		Where("line_id = ? AND tabulation_id IS NULL", bannedLineID).
		Update("line_id", replacement.ID)
	if moved.Error != nil {
		return 0, true, fmt.Errorf("convo: migrate line %d: %w", bannedLineID, moved.Error)
	}
	return moved.RowsAffected, true, nil
}

// phoneSegment resolves the segment of the phone's most recent active row,
// falling back to the contact record.
func phoneSegment(tx *gorm.DB, phone string) (uint, error) {
	var row models.Conversation
	result := tx.Where("contact_phone = ? AND tabulation_id IS NULL", phone).
		Order("created_at DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return 0, fmt.Errorf("convo: segment for %s: %w", phone, result.Error)
	}
	if result.RowsAffected > 0 {
		return row.SegmentID, nil
	}

	var contact models.Contact
	cr := tx.Where("phone = ?", phone).Limit(1).Find(&contact)
	if cr.Error != nil {
		return 0, fmt.Errorf("convo: contact for %s: %w", phone, cr.Error)
	}
	return contact.SegmentID, nil
}
