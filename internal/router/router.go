// Package router decides which operator receives a conversation. Routing is
// a pure decision over persisted state; callers own the resulting writes.
package router

import (
	"fmt"
	"sort"

	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// strategy is one step in the routing fallback chain. It returns either a
// definite operator or "no decision", so each step stays independently
// testable and the fallback order is explicit.
type strategy struct {
	name string
	pick func(tx *gorm.DB, lineID uint, phone string) (string, bool, error)
}

// inboundStrategies is the ordered fallback chain for inbound routing.
var inboundStrategies = []strategy{
	{name: "sticky-owner", pick: stickyOwner},
	{name: "least-loaded", pick: leastLoaded},
}

// RouteInbound returns the operator who should receive an inbound message
// from phone on the given line, or ok=false when nobody is eligible and the
// message must be enqueued. It never force-assigns past capacity.
func RouteInbound(tx *gorm.DB, lineID uint, phone string) (string, bool, error) {
	if phone == "" {
		return "", false, fmt.Errorf("router: phone is required: %w", fault.ErrValidation)
	}
	for _, s := range inboundStrategies {
		operatorID, ok, err := s.pick(tx, lineID, phone)
		if err != nil {
			return "", false, fmt.Errorf("router: %s: %w", s.name, err)
		}
		if ok {
			return operatorID, true, nil
		}
	}
	return "", false, nil
}

// stickyOwner returns the operator already holding an active conversation
// with the phone. An ongoing conversation never silently changes hands, no
// matter how the rest of the desk is loaded.
func stickyOwner(tx *gorm.DB, _ uint, phone string) (string, bool, error) {
	var row models.Conversation
	result := tx.Where("contact_phone = ? AND tabulation_id IS NULL AND operator_id IS NOT NULL AND operator_id != ''", phone).
		Order("created_at DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return "", false, result.Error
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return *row.OperatorID, true, nil
}

// leastLoaded picks the online operator in the contact's segment with the
// fewest active conversations, filtering out anyone at capacity. Ties go to
// the longest continuous connection, which rewards sustained presence over
// connect-grab-disconnect cycling.
func leastLoaded(tx *gorm.DB, lineID uint, phone string) (string, bool, error) {
	segmentID, err := contactSegment(tx, lineID, phone)
	if err != nil {
		return "", false, err
	}

	var candidates []models.Operator
	if err := tx.Where("segment_id = ? AND online = ?", segmentID, true).
		Find(&candidates).Error; err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	capacity, err := operatorCapacity(tx)
	if err != nil {
		return "", false, err
	}

	type loaded struct {
		op   models.Operator
		load int
	}
	eligible := make([]loaded, 0, len(candidates))
	for _, op := range candidates {
		load, err := ActiveLoad(tx, op.ID)
		if err != nil {
			return "", false, err
		}
		if load < capacity {
			eligible = append(eligible, loaded{op: op, load: load})
		}
	}
	if len(eligible) == 0 {
		// Everyone is saturated. Limbo is the caller's problem.
		return "", false, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].load != eligible[j].load {
			return eligible[i].load < eligible[j].load
		}
		return onlineBefore(eligible[i].op, eligible[j].op)
	})
	return eligible[0].op.ID, true, nil
}

// onlineBefore reports whether a has been continuously online longer than b.
// Operators without a connection timestamp sort last.
func onlineBefore(a, b models.Operator) bool {
	switch {
	case a.OnlineSince == nil:
		return false
	case b.OnlineSince == nil:
		return true
	default:
		return a.OnlineSince.Before(*b.OnlineSince)
	}
}

// contactSegment resolves the segment for routing: the contact's segment,
// falling back to the line's when the contact has none recorded.
func contactSegment(tx *gorm.DB, lineID uint, phone string) (uint, error) {
	var contact models.Contact
	result := tx.Where("phone = ?", phone).Limit(1).Find(&contact)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 && contact.SegmentID != 0 {
		return contact.SegmentID, nil
	}

	var line models.Line
	lr := tx.Where("id = ?", lineID).Limit(1).Find(&line)
	if lr.Error != nil {
		return 0, lr.Error
	}
	if lr.RowsAffected == 0 {
		return 0, fmt.Errorf("line %d: %w", lineID, fault.ErrNotFound)
	}
	return line.SegmentID, nil
}

// ActiveLoad counts the distinct contacts with an active conversation owned
// by the operator.
func ActiveLoad(tx *gorm.DB, operatorID string) (int, error) {
	var count int64
	err := tx.Model(&models.Conversation{}).
		Where("operator_id = ? AND tabulation_id IS NULL", operatorID).
		Distinct("contact_phone").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("router: active load for %s: %w", operatorID, err)
	}
	return int(count), nil
}

// FreeSlots reports how many more concurrent conversations the operator can
// take before hitting the desk capacity cap. Claiming and queue draining both
// clamp to this.
func FreeSlots(tx *gorm.DB, operatorID string) (int, error) {
	capacity, err := operatorCapacity(tx)
	if err != nil {
		return 0, err
	}
	load, err := ActiveLoad(tx, operatorID)
	if err != nil {
		return 0, err
	}
	if load >= capacity {
		return 0, nil
	}
	return capacity - load, nil
}

// operatorCapacity reads the per-operator concurrent conversation cap.
func operatorCapacity(tx *gorm.DB) (int, error) {
	cc, err := db.ControlConfig(tx)
	if err != nil {
		return 0, err
	}
	if cc.OperatorCapacity <= 0 {
		return 15, nil
	}
	return cc.OperatorCapacity, nil
}
