// Package sla compensates customers whose manual resolution ticket outlived
// its deadline.
package sla

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/lock"
	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/payment"
)

const lockKey = "sla-monitor"

// Result outcomes per ticket, also used as metric labels.
const (
	ResultRefunded     = "refunded"
	ResultIneligible   = "ineligible"
	ResultSettled      = "already_settled"
	ResultRefundFailed = "refund_failed"
	ResultLostRace     = "lost_race"
	ResultError        = "error"
)

// TickResult summarises one scan.
type TickResult struct {
	Ran      bool           `json:"ran"`
	Scanned  int            `json:"scanned"`
	Outcomes map[string]int `json:"outcomes"`
}

// Monitor scans for pending tickets past their deadline. Each ticket is moved
// to sla_missed_refunded and committed before any refund is attempted, so a
// hung or failed refund never causes the ticket to be processed twice.
type Monitor struct {
	Store    db.Store
	Refunder payment.Refunder
	Mailer   notify.Mailer
	Alerts   notify.Alerter
	// Locker keeps concurrent instances from scanning at the same time. The
	// conditional ticket update stays the correctness guard.
	Locker *lock.Locker

	Interval      time.Duration
	Jitter        time.Duration
	BatchSize     int
	RefundTimeout time.Duration
	EmailTimeout  time.Duration
	LockTTL       time.Duration

	Now     func() time.Time
	Metrics *obs.DomainMetrics
	Logger  zerolog.Logger
}

// Run ticks immediately and then every Interval plus jitter until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Logger.Info().Dur("interval", m.interval()).Msg("sla monitor started")
	for {
		if res, err := m.Tick(ctx); err != nil {
			m.Logger.Error().Err(err).Msg("sla tick failed")
		} else if res.Scanned > 0 {
			m.Logger.Info().Int("scanned", res.Scanned).Interface("outcomes", res.Outcomes).Msg("sla tick finished")
		}
		timer := time.NewTimer(m.interval() + m.jitter())
		select {
		case <-ctx.Done():
			timer.Stop()
			m.Logger.Info().Msg("sla monitor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs one scan, skipping it when another instance holds the lease.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	if m.Locker == nil {
		return m.scan(ctx)
	}
	var res TickResult
	ran, err := m.Locker.TryWithLock(ctx, lockKey, m.LockTTL, func(ctx context.Context) error {
		var err error
		res, err = m.scan(ctx)
		return err
	})
	if err != nil {
		return res, err
	}
	if !ran {
		m.Logger.Debug().Msg("sla tick skipped; another instance holds the lease")
	}
	return res, nil
}

func (m *Monitor) scan(ctx context.Context) (TickResult, error) {
	ctx, span := otel.Tracer("sla.Monitor").Start(ctx, "Monitor.Tick")
	defer span.End()

	res := TickResult{Ran: true, Outcomes: map[string]int{}}
	defer func() { span.SetAttributes(attribute.Int("sla.breached", res.Scanned)) }()

	// pages are read until a short one comes back. Tickets that failed stay
	// pending and show up again, so a page with nothing new ends the scan.
	limit := m.batchSize()
	now := m.now()
	seen := map[uuid.UUID]bool{}
	for ctx.Err() == nil {
		breached, err := m.Store.ListBreachedTickets(ctx, now, limit)
		if err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("sla: list breached tickets: %w", err)
		}
		fresh := 0
		for _, t := range breached {
			if ctx.Err() != nil {
				break
			}
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			fresh++
			res.Scanned++
			outcome := m.compensate(ctx, t)
			res.Outcomes[outcome]++
			m.Metrics.SLABreach(outcome)
		}
		if len(breached) < limit || fresh == 0 {
			break
		}
	}
	return res, nil
}

func (m *Monitor) compensate(ctx context.Context, t db.Ticket) string {
	logger := m.Logger.With().
		Str("ticket_id", t.ID.String()).
		Str("payment_id", t.PaymentID).
		Str("category", string(t.Category)).
		Logger()

	notes := "SLA deadline " + t.SLADeadline.UTC().Format(time.RFC3339) + " missed; automatic compensation"
	_, applied, err := m.Store.TransitionTicket(ctx, db.TransitionTicketParams{
		ID:    t.ID,
		From:  []db.TicketStatus{db.TicketPending},
		To:    db.TicketSLAMissedRefunded,
		Notes: &notes,
		At:    m.now(),
	})
	if err != nil && !errors.Is(err, db.ErrConflict) {
		logger.Error().Err(err).Msg("sla transition failed")
		return ResultError
	}
	if !applied {
		logger.Info().Msg("ticket moved by someone else first")
		return ResultLostRace
	}
	// committed: finish the compensation even if the caller is shutting down
	ctx = context.WithoutCancel(ctx)

	pay, err := m.Store.GetPayment(ctx, t.PaymentID)
	if err != nil {
		logger.Error().Err(err).Msg("payment lookup failed after sla breach")
		m.alert(ctx, notify.SeverityCritical, "manual refund required", t, map[string]string{"error": err.Error()})
		return ResultError
	}
	if pay.Status != db.PaymentStatusSucceeded {
		logger.Info().Str("payment_status", string(pay.Status)).Msg("payment already settled; no refund")
		return ResultSettled
	}
	if !m.Refunder.Eligible(pay.PaymentMethod) {
		logger.Warn().Str("payment_method", pay.PaymentMethod).Msg("payment method not refundable automatically")
		m.alert(ctx, notify.SeverityWarning, "manual refund required", t, map[string]string{"payment_method": pay.PaymentMethod})
		return ResultIneligible
	}

	rctx, cancel := withTimeout(ctx, m.RefundTimeout)
	refundID, err := m.Refunder.Refund(rctx, payment.RefundRequest{
		PaymentID: pay.ExternalPaymentID,
		Amount:    pay.Amount,
		Currency:  pay.Currency,
		Reason:    payment.ReasonSLACompensation,
	})
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("sla compensation refund failed")
		m.alert(ctx, notify.SeverityCritical, "sla refund failed", t, map[string]string{"error": err.Error()})
		return ResultRefundFailed
	}
	logger = logger.With().Str("refund_id", refundID).Logger()
	if err := m.settle(ctx, pay); err != nil {
		// the provider webhook settles it later
		logger.Warn().Err(err).Msg("refund issued but payment status not updated")
	}
	logger.Info().Msg("sla compensation refunded")

	m.sendRefundEmail(ctx, pay, logger)
	return ResultRefunded
}

// settle records the compensation so the provider's refund webhook becomes a
// no-op and the job can no longer be retried.
func (m *Monitor) settle(ctx context.Context, pay db.PaymentTransaction) error {
	return m.Store.ExecTx(ctx, func(q db.Querier) error {
		if _, _, err := q.TransitionPaymentStatus(ctx, db.TransitionPaymentStatusParams{
			ExternalPaymentID: pay.ExternalPaymentID,
			Status:            db.PaymentStatusRefunded,
		}); err != nil {
			return err
		}
		_, err := q.RecordJobRefund(ctx, db.RecordJobRefundParams{PaymentID: pay.ExternalPaymentID})
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (m *Monitor) sendRefundEmail(ctx context.Context, pay db.PaymentTransaction, logger zerolog.Logger) {
	if m.Mailer == nil {
		return
	}
	msg, err := notify.RefundEmail(pay.PayerEmail, pay.ExternalPaymentID, pay.Amount, pay.Currency)
	if err == nil {
		ectx, cancel := withTimeout(ctx, m.EmailTimeout)
		_, err = m.Mailer.Send(ectx, msg)
		cancel()
	}
	if err != nil {
		logger.Warn().Err(err).Str("email", common.MaskEmail(pay.PayerEmail)).Msg("refund email failed")
	}
}

func (m *Monitor) alert(ctx context.Context, sev notify.Severity, title string, t db.Ticket, extra map[string]string) {
	if m.Alerts == nil {
		return
	}
	fields := map[string]string{
		"ticket_id":  t.ID.String(),
		"payment_id": t.PaymentID,
		"email":      common.MaskEmail(t.Email),
		"category":   string(t.Category),
	}
	for k, v := range extra {
		fields[k] = v
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.Alerts.Alert(actx, notify.Alert{Severity: sev, Title: title, Fields: fields}); err != nil {
		m.Logger.Warn().Err(err).Str("ticket_id", t.ID.String()).Msg("alert failed")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Monitor) interval() time.Duration {
	if m.Interval <= 0 {
		return 15 * time.Minute
	}
	return m.Interval
}

func (m *Monitor) jitter() time.Duration {
	if m.Jitter <= 0 {
		return 0
	}
	return rand.N(m.Jitter)
}

func (m *Monitor) batchSize() int {
	if m.BatchSize <= 0 {
		return 100
	}
	return m.BatchSize
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
