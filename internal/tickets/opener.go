// Package tickets implements the manual resolution queue: deduplicated
// ticket creation with a fixed SLA deadline, operator listing and the
// status state machine.
package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/obs"
)

// DefaultSLAWindow is the time an operator has before automatic compensation.
const DefaultSLAWindow = 4 * time.Hour

// OpenRequest describes an issue that needs a human.
type OpenRequest struct {
	PaymentID string
	Email     string
	Category  db.TicketCategory
	Details   map[string]any
}

// Opener creates tickets. It is used inside the caller's transaction so the
// ticket commits atomically with the state change that produced it.
type Opener struct {
	Window  time.Duration
	Now     func() time.Time
	Metrics *obs.DomainMetrics
	Logger  zerolog.Logger
}

// Open inserts a pending ticket unless one is already open for the same
// email and category. The deadline is fixed at creation and never moves.
func (o Opener) Open(ctx context.Context, q db.Querier, req OpenRequest) (db.Ticket, db.Outcome, error) {
	if req.Email == "" {
		return db.Ticket{}, db.OutcomeError, errors.New("tickets: email is required")
	}
	details := json.RawMessage(`{}`)
	if len(req.Details) > 0 {
		raw, err := json.Marshal(req.Details)
		if err != nil {
			return db.Ticket{}, db.OutcomeError, fmt.Errorf("tickets: encode details: %w", err)
		}
		details = raw
	}
	// postgres keeps microseconds; truncating keeps deadline-created exact
	created := o.now().UTC().Truncate(time.Microsecond)
	ticket, outcome, err := q.InsertTicket(ctx, db.InsertTicketParams{
		PaymentID:   req.PaymentID,
		Email:       req.Email,
		Category:    req.Category,
		Details:     details,
		CreatedAt:   created,
		SLADeadline: created.Add(o.window()),
	})
	if err != nil {
		return db.Ticket{}, db.OutcomeError, fmt.Errorf("tickets: open %s: %w", req.Category, err)
	}
	o.Metrics.TicketOpened(string(req.Category), outcome.String())
	evt := o.Logger.Info()
	if outcome == db.OutcomeAlreadyExists {
		evt = o.Logger.Debug()
	}
	evt.Str("ticket_id", ticket.ID.String()).
		Str("payment_id", req.PaymentID).
		Str("email", common.MaskEmail(req.Email)).
		Str("category", string(req.Category)).
		Str("outcome", outcome.String()).
		Time("sla_deadline", ticket.SLADeadline).
		Msg("manual resolution ticket")
	return ticket, outcome, nil
}

func (o Opener) window() time.Duration {
	if o.Window <= 0 {
		return DefaultSLAWindow
	}
	return o.Window
}

func (o Opener) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
