// Package payment records checkout events idempotently, reconciles them with
// the customer's order and issues compensation refunds.
package payment

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
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/resilience"
	"github.com/noah-isme/planbox/internal/tickets"
)

// CheckoutCompleted is a verified successful checkout.
type CheckoutCompleted struct {
	PaymentID       string `json:"payment_id" validate:"required,max=255"`
	Amount          int64  `json:"amount" validate:"gte=0"`
	Currency        string `json:"currency" validate:"required,len=3"`
	Email           string `json:"email" validate:"required,email"`
	PaymentMethod   string `json:"payment_method" validate:"required,max=64"`
	ClientReference string `json:"client_reference" validate:"omitempty,max=255"`
}

// Starter hands a reconciled order to the delivery saga.
type Starter interface {
	Start(ctx context.Context, payment db.PaymentTransaction, order db.Order) error
}

// Resumer continues a delivery job from its first incomplete step. A Starter
// that also implements it lets replayed events recover stalled jobs.
type Resumer interface {
	Resume(ctx context.Context, paymentID string) (db.DeliveryJob, error)
}

// Processor handles checkout events.
type Processor struct {
	Store   db.Store
	Tickets tickets.Opener
	Saga    Starter
	Alerts  notify.Alerter

	PollAttempts  int
	PollInterval  time.Duration
	OrderLookback time.Duration
	StaleAfter    time.Duration

	Now     func() time.Time
	Metrics *obs.DomainMetrics
	Logger  zerolog.Logger
}

// HandleCheckoutCompleted records the payment once and starts delivery.
// When the order never shows up a missing-order-data ticket is opened and the
// event still counts as handled. Once the payment row exists every failure
// ends in a ticket and an alert; an error is only returned when even the
// ticket could not be written, and the replayed event then picks the payment
// up again.
func (p *Processor) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	ctx, span := otel.Tracer("payment.Processor").Start(ctx, "Processor.HandleCheckoutCompleted")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", ev.PaymentID))

	if err := common.Validate(ev); err != nil {
		p.Metrics.PaymentEvent("invalid")
		return resilience.Permanent(fmt.Errorf("payment: checkout event: %w", err))
	}
	logger := p.Logger.With().Str("payment_id", ev.PaymentID).Logger()

	payment, outcome, err := p.Store.InsertPayment(ctx, db.InsertPaymentParams{
		ExternalPaymentID: ev.PaymentID,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		PayerEmail:        ev.Email,
		PaymentMethod:     ev.PaymentMethod,
		OrderReference:    ev.ClientReference,
	})
	if err != nil {
		p.Metrics.PaymentEvent("error")
		span.RecordError(err)
		return fmt.Errorf("payment: insert %s: %w", ev.PaymentID, err)
	}
	span.SetAttributes(attribute.String("payment.outcome", outcome.String()))
	if outcome == db.OutcomeAlreadyExists {
		err = p.replay(ctx, payment, logger)
	} else {
		err = p.deliver(ctx, payment, logger)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *Processor) deliver(ctx context.Context, payment db.PaymentTransaction, logger zerolog.Logger) error {
	order, found, err := p.awaitOrder(ctx, payment, logger)
	if err != nil {
		p.Metrics.PaymentEvent("error")
		return err
	}
	if !found {
		_, _, err := p.Tickets.Open(ctx, p.Store, tickets.OpenRequest{
			PaymentID: payment.ExternalPaymentID,
			Email:     payment.PayerEmail,
			Category:  db.CategoryMissingOrderData,
			Details: map[string]any{
				"client_reference": payment.OrderReference,
				"poll_attempts":    p.pollAttempts(),
			},
		})
		if err != nil {
			p.Metrics.PaymentEvent("error")
			return fmt.Errorf("payment: open missing order ticket: %w", err)
		}
		p.Metrics.PaymentEvent("missing_order")
		logger.Warn().Str("email", common.MaskEmail(payment.PayerEmail)).Msg("order not found after polling; ticket opened")
		return nil
	}

	if err := p.Saga.Start(ctx, payment, order); err != nil {
		return p.settle(ctx, payment, logger, fmt.Errorf("payment: start delivery: %w", err))
	}
	p.Metrics.PaymentEvent("delivered")
	return nil
}

// replay handles a redelivered event. A payment that already has a job or a
// missing-order ticket is left alone, except for a job that stopped making
// progress, which is resumed. A payment with neither is reconciled again.
func (p *Processor) replay(ctx context.Context, payment db.PaymentTransaction, logger zerolog.Logger) error {
	if payment.Status != db.PaymentStatusSucceeded {
		p.Metrics.PaymentEvent("duplicate")
		logger.Debug().Str("status", string(payment.Status)).Msg("checkout already processed")
		return nil
	}

	job, err := p.Store.GetDeliveryJob(ctx, payment.ExternalPaymentID)
	switch {
	case err == nil:
		resumer, ok := p.Saga.(Resumer)
		if !ok || job.Status != db.JobStatusProcessing || p.now().Sub(job.UpdatedAt) < p.staleAfter() {
			p.Metrics.PaymentEvent("duplicate")
			logger.Debug().Str("job_status", string(job.Status)).Msg("checkout already processed")
			return nil
		}
		p.Metrics.PaymentEvent("resumed")
		logger.Warn().Str("step", job.Step).Time("updated_at", job.UpdatedAt).Msg("resuming stalled delivery")
		if _, err := resumer.Resume(ctx, payment.ExternalPaymentID); err != nil {
			return p.settle(ctx, payment, logger, fmt.Errorf("payment: resume delivery: %w", err))
		}
		p.Metrics.PaymentEvent("delivered")
		return nil
	case !errors.Is(err, db.ErrNotFound):
		p.Metrics.PaymentEvent("error")
		return fmt.Errorf("payment: load delivery job %s: %w", payment.ExternalPaymentID, err)
	}

	open, err := p.Store.FindOpenTicket(ctx, payment.PayerEmailNormalized, db.CategoryMissingOrderData)
	switch {
	case err == nil && open.PaymentID == payment.ExternalPaymentID:
		p.Metrics.PaymentEvent("duplicate")
		logger.Debug().Str("ticket_id", open.ID.String()).Msg("checkout already waiting on an operator")
		return nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		p.Metrics.PaymentEvent("error")
		return fmt.Errorf("payment: load open ticket %s: %w", payment.ExternalPaymentID, err)
	}
	p.Metrics.PaymentEvent("recovered")
	logger.Warn().Msg("payment has no delivery; reconciling again")
	return p.deliver(ctx, payment, logger)
}

// settle absorbs saga failures. Failures that already opened a ticket are
// done; anything else is escalated here.
func (p *Processor) settle(ctx context.Context, payment db.PaymentTransaction, logger zerolog.Logger, err error) error {
	var derr *delivery.Error
	if errors.As(err, &derr) && derr.RequiresManualResolution {
		p.Metrics.PaymentEvent("delivery_failed")
		return nil
	}
	return p.escalate(ctx, payment, logger, err)
}

// escalate opens a ticket and raises a critical alert for a failure that left
// no durable trace. The ticket uses the failing step's category, or
// missing-order-data when no job could be created.
func (p *Processor) escalate(ctx context.Context, payment db.PaymentTransaction, logger zerolog.Logger, cause error) error {
	ctx = context.WithoutCancel(ctx)
	category := db.CategoryMissingOrderData
	var derr *delivery.Error
	if errors.As(cause, &derr) && derr.Category != "" {
		category = derr.Category
	}
	_, _, err := p.Tickets.Open(ctx, p.Store, tickets.OpenRequest{
		PaymentID: payment.ExternalPaymentID,
		Email:     payment.PayerEmail,
		Category:  category,
		Details: map[string]any{
			"client_reference": payment.OrderReference,
			"error":            cause.Error(),
		},
	})
	if err != nil {
		p.Metrics.PaymentEvent("error")
		return errors.Join(cause, fmt.Errorf("payment: escalate %s: %w", payment.ExternalPaymentID, err))
	}
	p.Metrics.PaymentEvent("escalated")
	logger.Error().Err(cause).Str("category", string(category)).Msg("delivery could not proceed; ticket opened")
	if p.Alerts == nil {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	aerr := p.Alerts.Alert(actx, notify.Alert{
		Severity: notify.SeverityCritical,
		Title:    "delivery could not proceed",
		Fields: map[string]string{
			"payment_id": payment.ExternalPaymentID,
			"email":      common.MaskEmail(payment.PayerEmail),
			"category":   string(category),
			"error":      cause.Error(),
		},
	})
	if aerr != nil {
		logger.Warn().Err(aerr).Msg("alert failed")
	}
	return nil
}

// awaitOrder polls for the order written by the quiz flow, which races the
// payment provider. Lookup errors count as a miss.
func (p *Processor) awaitOrder(ctx context.Context, payment db.PaymentTransaction, logger zerolog.Logger) (db.Order, bool, error) {
	arg := db.FindOrderParams{
		Reference:       payment.OrderReference,
		EmailNormalized: payment.PayerEmailNormalized,
		Since:           p.now().Add(-p.lookback()),
	}
	attempts := p.pollAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		order, err := p.Store.FindOrder(ctx, arg)
		if err == nil {
			logger.Debug().Int("attempt", attempt).Str("order_id", order.ID.String()).Msg("order found")
			return order, true, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("order lookup failed")
		}
		if attempt == attempts {
			break
		}
		if err := resilience.Sleep(ctx, p.PollInterval); err != nil {
			return db.Order{}, false, fmt.Errorf("payment: await order: %w", err)
		}
	}
	return db.Order{}, false, nil
}

func (p *Processor) pollAttempts() int {
	if p.PollAttempts <= 0 {
		return 10
	}
	return p.PollAttempts
}

func (p *Processor) staleAfter() time.Duration {
	if p.StaleAfter <= 0 {
		return 15 * time.Minute
	}
	return p.StaleAfter
}

func (p *Processor) lookback() time.Duration {
	if p.OrderLookback <= 0 {
		return 24 * time.Hour
	}
	return p.OrderLookback
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
