// Package cooldown enforces contact-frequency policy: CPC, the resend
// window, and repescagem. Checks return decisions, not errors — a refusal
// carries the specific reason the operator sees.
package cooldown

import (
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// Policy rule names, used as the Rule field of fault.PolicyBlocked.
const (
	RuleCPC        = "cpc"
	RuleResend     = "resend"
	RuleRepescagem = "repescagem"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func blocked(reason string) Decision {
	return Decision{Reason: reason}
}

// CheckCPC decides whether an unsolicited outbound message may go to the
// phone. It is blocked until the contact responds to the operator's first
// message or the configured hours elapse, inclusive at the exact boundary.
func CheckCPC(tx *gorm.DB, phone string, now time.Time) (Decision, error) {
	if phone == "" {
		return Decision{}, fmt.Errorf("cooldown: phone is required: %w", fault.ErrValidation)
	}
	cc, err := db.ControlConfig(tx)
	if err != nil {
		return Decision{}, err
	}

	firstOut, ok, err := firstOperatorMessage(tx, phone)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// Never contacted before.
		return allowed(), nil
	}

	responded, err := contactRespondedAfter(tx, phone, firstOut)
	if err != nil {
		return Decision{}, err
	}
	if responded {
		return allowed(), nil
	}

	threshold := time.Duration(cc.CPCHours) * time.Hour
	if now.Sub(firstOut) >= threshold {
		return allowed(), nil
	}
	return blocked(fmt.Sprintf("contact has not responded and %dh have not elapsed since first message", cc.CPCHours)), nil
}

// CheckResend blocks re-dispatch of a campaign message to the same phone
// within the configured window since the last dispatch, regardless of
// whether the contact responded.
func CheckResend(tx *gorm.DB, phone string, now time.Time) (Decision, error) {
	if phone == "" {
		return Decision{}, fmt.Errorf("cooldown: phone is required: %w", fault.ErrValidation)
	}
	cc, err := db.ControlConfig(tx)
	if err != nil {
		return Decision{}, err
	}

	lastOut, ok, err := lastOperatorMessage(tx, phone, time.Time{})
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return allowed(), nil
	}

	window := time.Duration(cc.ResendHours) * time.Hour
	if now.Sub(lastOut) >= window {
		return allowed(), nil
	}
	return blocked(fmt.Sprintf("last dispatch was less than %dh ago", cc.ResendHours)), nil
}

// CheckRepescagem applies the bounded re-contact retry policy: up to the
// configured number of attempts, spaced by the configured cooldown, counted
// from the contact's last response. A response resets the count.
func CheckRepescagem(tx *gorm.DB, phone string, now time.Time) (Decision, error) {
	if phone == "" {
		return Decision{}, fmt.Errorf("cooldown: phone is required: %w", fault.ErrValidation)
	}
	cc, err := db.ControlConfig(tx)
	if err != nil {
		return Decision{}, err
	}
	if !cc.RepescagemEnabled {
		return allowed(), nil
	}

	lastResponse, _, err := lastContactMessage(tx, phone)
	if err != nil {
		return Decision{}, err
	}

	attempts, err := operatorMessagesSince(tx, phone, lastResponse)
	if err != nil {
		return Decision{}, err
	}
	if attempts == 0 {
		return allowed(), nil
	}
	if attempts >= cc.RepescagemMaxAttempts {
		return blocked(fmt.Sprintf("re-contact attempts exhausted (%d of %d)", attempts, cc.RepescagemMaxAttempts)), nil
	}

	lastOut, ok, err := lastOperatorMessage(tx, phone, lastResponse)
	if err != nil {
		return Decision{}, err
	}
	cool := time.Duration(cc.RepescagemCooldownHours) * time.Hour
	if ok && now.Sub(lastOut) < cool {
		return blocked(fmt.Sprintf("next re-contact attempt allowed %dh after the last", cc.RepescagemCooldownHours)), nil
	}
	return allowed(), nil
}

// firstOperatorMessage returns the timestamp of the earliest operator-sent
// row for the phone.
func firstOperatorMessage(tx *gorm.DB, phone string) (time.Time, bool, error) {
	var row models.Conversation
	result := tx.Where("contact_phone = ? AND sender = ?", phone, models.SenderOperator).
		Order("created_at ASC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return time.Time{}, false, fmt.Errorf("cooldown: first operator message for %s: %w", phone, result.Error)
	}
	return row.CreatedAt, result.RowsAffected > 0, nil
}

// lastOperatorMessage returns the timestamp of the latest operator-sent row
// after the given cutoff (zero cutoff means any).
func lastOperatorMessage(tx *gorm.DB, phone string, after time.Time) (time.Time, bool, error) {
	q := tx.Where("contact_phone = ? AND sender = ?", phone, models.SenderOperator)
	if !after.IsZero() {
		q = q.Where("created_at > ?", after)
	}
	var row models.Conversation
	result := q.Order("created_at DESC").Limit(1).Find(&row)
	if result.Error != nil {
		return time.Time{}, false, fmt.Errorf("cooldown: last operator message for %s: %w", phone, result.Error)
	}
	return row.CreatedAt, result.RowsAffected > 0, nil
}

// lastContactMessage returns the timestamp of the latest contact-sent row.
func lastContactMessage(tx *gorm.DB, phone string) (time.Time, bool, error) {
	var row models.Conversation
	result := tx.Where("contact_phone = ? AND sender = ?", phone, models.SenderContact).
		Order("created_at DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return time.Time{}, false, fmt.Errorf("cooldown: last contact message for %s: %w", phone, result.Error)
	}
	return row.CreatedAt, result.RowsAffected > 0, nil
}

// contactRespondedAfter reports whether the contact sent anything after t.
func contactRespondedAfter(tx *gorm.DB, phone string, t time.Time) (bool, error) {
	var count int64
	err := tx.Model(&models.Conversation{}).
		Where("contact_phone = ? AND sender = ? AND created_at > ?", phone, models.SenderContact, t).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("cooldown: responses for %s: %w", phone, err)
	}
	return count > 0, nil
}

// operatorMessagesSince counts operator-sent rows after the cutoff (zero
// cutoff counts all).
func operatorMessagesSince(tx *gorm.DB, phone string, after time.Time) (int, error) {
	q := tx.Model(&models.Conversation{}).
		Where("contact_phone = ? AND sender = ?", phone, models.SenderOperator)
	if !after.IsZero() {
		q = q.Where("created_at > ?", after)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("cooldown: attempts for %s: %w", phone, err)
	}
	return int(count), nil
}
