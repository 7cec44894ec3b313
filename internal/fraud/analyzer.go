// Package fraud tracks refund and chargeback patterns per customer email and
// blocks repeat offenders from buying again.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/payment"
	"github.com/noah-isme/planbox/internal/tickets"
)

// Action is what the analyzer did for one event.
type Action string

const (
	ActionIgnored     Action = "ignored"
	ActionRecorded    Action = "recorded"
	ActionReview      Action = "review_ticket"
	ActionBlacklisted Action = "blacklisted"
)

// RefundEvent is a refund reported by the payment provider.
type RefundEvent struct {
	PaymentID string `json:"payment_id" validate:"required,max=255"`
	// Reason is the refund metadata reason, when the platform set one.
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

// ChargebackEvent is a dispute opened by the customer's bank.
type ChargebackEvent struct {
	PaymentID string `json:"payment_id" validate:"required,max=255"`
	Reason    string `json:"reason" validate:"omitempty,max=255"`
}

// Decision summarises one handled event.
type Decision struct {
	Action      Action
	RefundCount int
	Blacklist   *db.BlacklistEntry
}

// Analyzer applies the refund pattern rules. All writes for one event share a
// transaction.
type Analyzer struct {
	Store   db.Store
	Tickets tickets.Opener

	// Window is the trailing period refunds are counted over.
	Window             time.Duration
	ReviewThreshold    int
	BlockThreshold     int
	RefundBlockFor     time.Duration
	ChargebackBlockFor time.Duration

	Now     func() time.Time
	Metrics *obs.DomainMetrics
	Logger  zerolog.Logger
}

// HandleRefund marks the payment refunded and counts the email's refunds over
// the window: exactly ReviewThreshold opens a review ticket, BlockThreshold or
// more blacklists the email. Replays and unknown payments are no-ops.
func (a *Analyzer) HandleRefund(ctx context.Context, ev RefundEvent) (Decision, error) {
	ctx, span := otel.Tracer("fraud.Analyzer").Start(ctx, "Analyzer.HandleRefund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", ev.PaymentID))

	if err := common.Validate(ev); err != nil {
		return Decision{}, err
	}
	var d Decision
	err := a.Store.ExecTx(ctx, func(q db.Querier) error {
		d = Decision{}
		pay, moved, err := q.TransitionPaymentStatus(ctx, db.TransitionPaymentStatusParams{
			ExternalPaymentID: ev.PaymentID,
			Status:            db.PaymentStatusRefunded,
		})
		if err != nil {
			return err
		}
		if !moved {
			d.Action = ActionIgnored
			return nil
		}

		// platform-issued compensation settles the payment but says nothing
		// about the customer
		compensation := ev.Reason == payment.ReasonSLACompensation
		increment := 1
		if compensation {
			increment = 0
		}
		if _, err := q.RecordJobRefund(ctx, db.RecordJobRefundParams{PaymentID: ev.PaymentID, Increment: increment}); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		d.Action = ActionRecorded
		if compensation {
			return nil
		}

		count, err := q.CountRecentRefunds(ctx, pay.PayerEmailNormalized, a.now().Add(-a.window()))
		if err != nil {
			return err
		}
		d.RefundCount = count
		switch {
		case count >= a.blockThreshold():
			entry, _, err := q.UpsertBlacklist(ctx, db.UpsertBlacklistParams{
				EmailNormalized: pay.PayerEmailNormalized,
				Reason:          fmt.Sprintf("%d refunds within %s", count, a.window()),
				ExpiresAt:       a.now().Add(a.refundBlockFor()),
			})
			if err != nil {
				return err
			}
			d.Action, d.Blacklist = ActionBlacklisted, &entry
		case count == a.reviewThreshold():
			if _, _, err := a.Tickets.Open(ctx, q, tickets.OpenRequest{
				PaymentID: pay.ExternalPaymentID,
				Email:     pay.PayerEmail,
				Category:  db.CategoryRefundPattern,
				Details:   map[string]any{"refund_count": count, "window": a.window().String()},
			}); err != nil {
				return err
			}
			d.Action = ActionReview
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("fraud: refund %s: %w", ev.PaymentID, err)
	}
	a.record(ev.PaymentID, "refund", d)
	return d, nil
}

// HandleChargeback marks the payment charged back and blacklists the email
// for ChargebackBlockFor, overriding any existing entry.
func (a *Analyzer) HandleChargeback(ctx context.Context, ev ChargebackEvent) (Decision, error) {
	ctx, span := otel.Tracer("fraud.Analyzer").Start(ctx, "Analyzer.HandleChargeback")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", ev.PaymentID))

	if err := common.Validate(ev); err != nil {
		return Decision{}, err
	}
	var d Decision
	err := a.Store.ExecTx(ctx, func(q db.Querier) error {
		d = Decision{}
		pay, moved, err := q.TransitionPaymentStatus(ctx, db.TransitionPaymentStatusParams{
			ExternalPaymentID: ev.PaymentID,
			Status:            db.PaymentStatusChargeback,
		})
		if err != nil {
			return err
		}
		if !moved {
			// a dispute on a payment we already refunded still blocks the email
			pay, err = q.GetPayment(ctx, ev.PaymentID)
			if errors.Is(err, db.ErrNotFound) || (err == nil && pay.Status == db.PaymentStatusChargeback) {
				d.Action = ActionIgnored
				return nil
			}
			if err != nil {
				return err
			}
		}
		if _, err := q.RecordJobRefund(ctx, db.RecordJobRefundParams{PaymentID: ev.PaymentID}); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		reason := "chargeback"
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		entry, _, err := q.UpsertBlacklist(ctx, db.UpsertBlacklistParams{
			EmailNormalized: pay.PayerEmailNormalized,
			Reason:          reason,
			ExpiresAt:       a.now().Add(a.chargebackBlockFor()),
			Force:           true,
		})
		if err != nil {
			return err
		}
		d.Action, d.Blacklist = ActionBlacklisted, &entry
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("fraud: chargeback %s: %w", ev.PaymentID, err)
	}
	a.record(ev.PaymentID, "chargeback", d)
	return d, nil
}

func (a *Analyzer) record(paymentID, kind string, d Decision) {
	a.Metrics.FraudAction(string(d.Action))
	ev := a.Logger.Info()
	if d.Action == ActionBlacklisted || d.Action == ActionReview {
		ev = a.Logger.Warn()
	}
	ev = ev.Str("payment_id", paymentID).Str("event", kind).Str("action", string(d.Action)).Int("refund_count", d.RefundCount)
	if d.Blacklist != nil {
		ev = ev.Str("email", common.MaskEmail(d.Blacklist.EmailNormalized)).Time("blocked_until", d.Blacklist.ExpiresAt)
	}
	ev.Msg("fraud event handled")
}

func (a *Analyzer) window() time.Duration {
	if a.Window <= 0 {
		return 90 * 24 * time.Hour
	}
	return a.Window
}

func (a *Analyzer) reviewThreshold() int {
	if a.ReviewThreshold <= 0 {
		return 2
	}
	return a.ReviewThreshold
}

func (a *Analyzer) blockThreshold() int {
	if a.BlockThreshold <= 0 {
		return 3
	}
	return a.BlockThreshold
}

func (a *Analyzer) refundBlockFor() time.Duration {
	if a.RefundBlockFor <= 0 {
		return 30 * 24 * time.Hour
	}
	return a.RefundBlockFor
}

func (a *Analyzer) chargebackBlockFor() time.Duration {
	if a.ChargebackBlockFor <= 0 {
		return 90 * 24 * time.Hour
	}
	return a.ChargebackBlockFor
}

func (a *Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
