package webhook

import (
	"context"
	"fmt"

	"github.com/noah-isme/planbox/internal/fraud"
	"github.com/noah-isme/planbox/internal/payment"
	"github.com/noah-isme/planbox/internal/resilience"
)

// CheckoutHandler consumes successful checkouts.
type CheckoutHandler interface {
	HandleCheckoutCompleted(ctx context.Context, ev payment.CheckoutCompleted) error
}

// RefundHandler consumes refunds and disputes.
type RefundHandler interface {
	HandleRefund(ctx context.Context, ev fraud.RefundEvent) (fraud.Decision, error)
	HandleChargeback(ctx context.Context, ev fraud.ChargebackEvent) (fraud.Decision, error)
}

// Router sends verified events to the component that owns them.
type Router struct {
	Checkout CheckoutHandler
	Refunds  RefundHandler
}

// Route handles ev. Unsupported types are ignored. Payloads that can never
// succeed come back as permanent errors so queues stop retrying them.
func (r Router) Route(ctx context.Context, ev Event) error {
	if !ev.Supported() {
		return nil
	}
	payload, err := ev.Decode()
	if err != nil {
		return resilience.Permanent(fmt.Errorf("webhook: event %s: %w", ev.ID, err))
	}
	switch p := payload.(type) {
	case *payment.CheckoutCompleted:
		if r.Checkout == nil {
			return resilience.Permanent(fmt.Errorf("webhook: no checkout handler for %s", ev.ID))
		}
		return r.Checkout.HandleCheckoutCompleted(ctx, *p)
	case *fraud.RefundEvent:
		if r.Refunds == nil {
			return resilience.Permanent(fmt.Errorf("webhook: no refund handler for %s", ev.ID))
		}
		_, err := r.Refunds.HandleRefund(ctx, *p)
		return err
	case *fraud.ChargebackEvent:
		if r.Refunds == nil {
			return resilience.Permanent(fmt.Errorf("webhook: no refund handler for %s", ev.ID))
		}
		_, err := r.Refunds.HandleChargeback(ctx, *p)
		return err
	}
	return nil
}
