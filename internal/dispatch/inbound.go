package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rgalvao/switchboard/internal/convo"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/metrics"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/rgalvao/switchboard/internal/pending"
	"github.com/rgalvao/switchboard/internal/router"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// InboundEvent is the normalized message event delivered by the webhook.
type InboundEvent struct {
	FromPhone         string
	FromName          string
	LineChannelID     string
	Timestamp         time.Time
	ContentType       string
	Text              string
	Caption           string
	MediaRef          string
	ProviderMessageID string
}

// HandleInbound routes one inbound message: resolve the line and contact,
// apply the blocklist, then either hand the message to an operator or park
// it in the pending queue. It never drops a routable message and never
// force-assigns past capacity.
func (d *Dispatcher) HandleInbound(_ context.Context, ev InboundEvent) error {
	if ev.FromPhone == "" {
		return fmt.Errorf("dispatch: inbound from-phone is required: %w", fault.ErrValidation)
	}

	var line models.Line
	result := d.db.Where("channel_id = ?", ev.LineChannelID).Limit(1).Find(&line)
	if result.Error != nil {
		return fmt.Errorf("dispatch: resolve channel %s: %w", ev.LineChannelID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dispatch: channel %s: %w", ev.LineChannelID, fault.ErrNotFound)
	}

	contact, err := findOrCreateContact(d.db, ev.FromPhone, ev.FromName, line.SegmentID)
	if err != nil {
		return err
	}
	if contact.Blocked {
		log.Info().Str("phone", ev.FromPhone).Msg("inbound dropped: blocked contact")
		return nil
	}

	// The contact answered; from here on CPC derives "responded" from the
	// conversation row this event becomes.
	if !contact.ConfirmedResponder {
		d.db.Model(&models.Contact{}).Where("id = ?", contact.ID).
			Update("confirmed_responder", true)
	}

	body := ev.Text
	if body == "" {
		body = ev.Caption
	}
	when := ev.Timestamp
	if when.IsZero() {
		when = time.Now()
	}

	operatorID, ok, err := router.RouteInbound(d.db, line.ID, ev.FromPhone)
	if err != nil {
		return err
	}
	if !ok {
		entry, err := pending.Enqueue(d.db, models.PendingMessage{
			ContactPhone: ev.FromPhone,
			ContactName:  contact.Name,
			SegmentID:    contact.SegmentID,
			LineID:       &line.ID,
			Body:         body,
			ContentType:  ev.ContentType,
			MediaRef:     ev.MediaRef,
			CreatedAt:    when,
		})
		if err != nil {
			return err
		}
		log.Info().Str("phone", ev.FromPhone).Uint("entry_id", entry.ID).
			Msg("inbound enqueued: no eligible operator")
		d.registry.NotifySegmentSupervisors(d.db, contact.SegmentID, "queue:new", map[string]interface{}{
			"phone":      ev.FromPhone,
			"segment_id": contact.SegmentID,
		})
		return nil
	}

	var op models.Operator
	if err := d.db.Where("id = ?", operatorID).First(&op).Error; err != nil {
		return fmt.Errorf("dispatch: routed operator %s: %w", operatorID, err)
	}

	row, err := convo.Append(d.db, models.Conversation{
		ContactPhone:      ev.FromPhone,
		ContactName:       contact.Name,
		SegmentID:         contact.SegmentID,
		LineID:            &line.ID,
		OperatorID:        &op.ID,
		OperatorName:      op.Name,
		Sender:            models.SenderContact,
		Body:              body,
		ContentType:       ev.ContentType,
		MediaRef:          ev.MediaRef,
		ProviderMessageID: ev.ProviderMessageID,
		CreatedAt:         when,
	})
	if err != nil {
		return err
	}
	metrics.InboundRouted.Inc()

	d.registry.Notify(op.ID, "message:new", map[string]interface{}{
		"conversation_id": row.ID,
		"phone":           ev.FromPhone,
		"body":            body,
	})
	return nil
}

// findOrCreateContact resolves the contact record for a phone, creating it
// on first contact with the line's segment.
func findOrCreateContact(tx *gorm.DB, phone, name string, segmentID uint) (*models.Contact, error) {
	var contact models.Contact
	err := tx.Where(models.Contact{Phone: phone}).
		Attrs(models.Contact{Name: name, SegmentID: segmentID}).
		FirstOrCreate(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: find or create contact %s: %w", phone, err)
	}
	return &contact, nil
}
