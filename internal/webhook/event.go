package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/fraud"
	"github.com/noah-isme/planbox/internal/payment"
)

// Event types the gateway accepts.
const (
	TypeCheckoutCompleted = "checkout.session.completed"
	TypeChargeRefunded    = "charge.refunded"
	TypeDisputeCreated    = "charge.dispute.created"
)

// Event is the provider envelope. Data holds the type specific payload.
type Event struct {
	ID      string          `json:"id" validate:"required,max=255"`
	Type    string          `json:"event_type" validate:"required,max=128"`
	Created int64           `json:"created" validate:"gte=0"`
	Data    json.RawMessage `json:"data"`
}

// Supported reports whether the router has a handler for the event type.
func (e Event) Supported() bool {
	return e.payload() != nil
}

func (e Event) payload() any {
	switch e.Type {
	case TypeCheckoutCompleted:
		return &payment.CheckoutCompleted{}
	case TypeChargeRefunded:
		return &fraud.RefundEvent{}
	case TypeDisputeCreated:
		return &fraud.ChargebackEvent{}
	}
	return nil
}

// Decode returns the validated payload for a supported event type: a
// payment.CheckoutCompleted, fraud.RefundEvent or fraud.ChargebackEvent.
// Failures are BadRequest AppErrors.
func (e Event) Decode() (any, error) {
	dst := e.payload()
	if dst == nil {
		return nil, common.BadRequest(fmt.Sprintf("unsupported event type %q", e.Type), nil)
	}
	if len(e.Data) == 0 {
		return nil, common.BadRequest("validation failed", map[string]string{"data": "required"})
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return nil, common.BadRequest("invalid event data", nil)
	}
	if err := common.Validate(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ParseEvent decodes and validates the envelope and, for supported types,
// the payload. Unsupported types pass with their data unchecked.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, common.BadRequest("invalid JSON body", nil)
	}
	if err := common.Validate(ev); err != nil {
		return Event{}, err
	}
	if ev.Supported() {
		if _, err := ev.Decode(); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}
