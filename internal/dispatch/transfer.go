package dispatch

import (
	"errors"
	"fmt"

	"github.com/rgalvao/switchboard/internal/convo"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/models"
	"gorm.io/gorm"
)

// TransferConversations hands the phone's active conversation to another
// operator on behalf of a supervisor, notifying both sides.
func (d *Dispatcher) TransferConversations(phone, targetOperatorID, actorID string) (int64, error) {
	var actor models.Operator
	if err := d.db.Where("id = ?", actorID).First(&actor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("dispatch: actor %s: %w", actorID, fault.ErrNotFound)
		}
		return 0, fmt.Errorf("dispatch: get actor %s: %w", actorID, err)
	}

	previousOwner, owned, err := convo.ActiveOwner(d.db, phone)
	if err != nil {
		return 0, err
	}

	moved, err := convo.Transfer(d.db, phone, targetOperatorID, &actor)
	if err != nil {
		return 0, err
	}

	payload := map[string]interface{}{"phone": phone, "by": actorID}
	d.registry.Notify(targetOperatorID, "conversation:received", payload)
	if owned && previousOwner != targetOperatorID {
		d.registry.Notify(previousOwner, "conversation:transferred", payload)
	}
	return moved, nil
}
