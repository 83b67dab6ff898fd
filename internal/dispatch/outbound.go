package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/breaker"
	"github.com/rgalvao/switchboard/internal/channel"
	"github.com/rgalvao/switchboard/internal/convo"
	"github.com/rgalvao/switchboard/internal/cooldown"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/metrics"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/ratelimit"
	"gorm.io/gorm"
)

// SendRequest is one operator-initiated outbound message.
type SendRequest struct {
	OperatorID  string
	Phone       string
	Body        string
	ContentType string
	MediaRef    string
	// Campaign marks a campaign-style dispatch, which additionally honors
	// the resend window.
	Campaign bool
}

// SendMessage delivers one outbound message: ownership and policy checks,
// then the limiter's reserve, then the breaker-wrapped provider call, then
// the conversation row. Refusals come back typed — the operator sees the
// exact reason, not a generic failure.
func (d *Dispatcher) SendMessage(ctx context.Context, req SendRequest) (*models.Conversation, error) {
	if req.Phone == "" || req.OperatorID == "" {
		return nil, fmt.Errorf("dispatch: phone and operator are required: %w", fault.ErrValidation)
	}

	var op models.Operator
	if err := d.db.Where("id = ?", req.OperatorID).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("dispatch: operator %s: %w", req.OperatorID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("dispatch: get operator %s: %w", req.OperatorID, err)
	}

	owner, owned, err := convo.ActiveOwner(d.db, req.Phone)
	if err != nil {
		return nil, err
	}
	if owned && owner != op.ID {
		return nil, fmt.Errorf("dispatch: conversation with %s belongs to %s: %w", req.Phone, owner, fault.ErrValidation)
	}
	if !owned {
		if err := d.checkOutboundPolicy(req); err != nil {
			return nil, err
		}
	}

	line, err := d.resolveLine(req.Phone, op.SegmentID)
	if err != nil {
		return nil, err
	}

	if err := ratelimit.Reserve(d.db, line.ID, time.Now()); err != nil {
		metrics.SendResults.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	var providerMessageID string
	err = breaker.Do(ctx, d.db, line.ID, d.breaker, func(callCtx context.Context) error {
		id, sendErr := d.adapter.Send(callCtx, channel.OutboundMessage{
			ChannelID:   line.ChannelID,
			Credential:  line.Credential,
			ToPhone:     req.Phone,
			Body:        req.Body,
			ContentType: req.ContentType,
			MediaRef:    req.MediaRef,
		})
		providerMessageID = id
		return sendErr
	})
	if err != nil {
		metrics.SendResults.WithLabelValues("failed").Inc()
		return nil, err
	}

	row, err := convo.Append(d.db, models.Conversation{
		ContactPhone:      req.Phone,
		SegmentID:         op.SegmentID,
		LineID:            &line.ID,
		OperatorID:        &op.ID,
		OperatorName:      op.Name,
		Sender:            models.SenderOperator,
		Body:              req.Body,
		ContentType:       req.ContentType,
		MediaRef:          req.MediaRef,
		ProviderMessageID: providerMessageID,
	})
	if err != nil {
		return nil, err
	}
	metrics.SendResults.WithLabelValues("sent").Inc()

	d.registry.Notify(op.ID, "message:sent", map[string]interface{}{
		"conversation_id": row.ID,
		"phone":           req.Phone,
	})
	return row, nil
}

// checkOutboundPolicy gates an unsolicited (conversation-opening) send
// behind the contact-frequency rules.
func (d *Dispatcher) checkOutboundPolicy(req SendRequest) error {
	var contact models.Contact
	result := d.db.Where("phone = ?", req.Phone).Limit(1).Find(&contact)
	if result.Error != nil {
		return fmt.Errorf("dispatch: get contact %s: %w", req.Phone, result.Error)
	}
	if result.RowsAffected > 0 && contact.Blocked {
		return &fault.PolicyBlocked{Rule: "blocklist", Reason: "contact is blocked"}
	}

	now := time.Now()
	cpc, err := cooldown.CheckCPC(d.db, req.Phone, now)
	if err != nil {
		return err
	}
	if !cpc.Allowed {
		return &fault.PolicyBlocked{Rule: cooldown.RuleCPC, Reason: cpc.Reason}
	}

	if req.Campaign {
		resend, err := cooldown.CheckResend(d.db, req.Phone, now)
		if err != nil {
			return err
		}
		if !resend.Allowed {
			return &fault.PolicyBlocked{Rule: cooldown.RuleResend, Reason: resend.Reason}
		}
	}

	rep, err := cooldown.CheckRepescagem(d.db, req.Phone, now)
	if err != nil {
		return err
	}
	if !rep.Allowed {
		return &fault.PolicyBlocked{Rule: cooldown.RuleRepescagem, Reason: rep.Reason}
	}
	return nil
}

// resolveLine picks the line for an outbound send: the line already carrying
// the phone's active conversation when it is still usable, otherwise any
// active line in the segment. Rows orphaned of line stay outbound-disabled
// until a line is available.
func (d *Dispatcher) resolveLine(phone string, segmentID uint) (*models.Line, error) {
	var row models.Conversation
	result := d.db.Where("contact_phone = ? AND tabulation_id IS NULL AND line_id IS NOT NULL", phone).
		Order("created_at DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("dispatch: conversation line for %s: %w", phone, result.Error)
	}
	if result.RowsAffected > 0 && row.LineID != nil {
		var line models.Line
		lr := d.db.Where("id = ? AND status = ?", *row.LineID, models.LineActive).Limit(1).Find(&line)
		if lr.Error != nil {
			return nil, fmt.Errorf("dispatch: get line %d: %w", *row.LineID, lr.Error)
		}
		if lr.RowsAffected > 0 {
			return &line, nil
		}
	}

	var line models.Line
	lr := d.db.Where("segment_id = ? AND status = ?", segmentID, models.LineActive).Limit(1).Find(&line)
	if lr.Error != nil {
		return nil, fmt.Errorf("dispatch: find active line for segment %d: %w", segmentID, lr.Error)
	}
	if lr.RowsAffected == 0 {
		return nil, fmt.Errorf("dispatch: no active line in segment %d: %w", segmentID, fault.ErrChannelUnavailable)
	}
	return &line, nil
}
