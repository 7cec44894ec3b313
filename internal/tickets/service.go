package tickets

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
)

var (
	ErrNotFound = common.NewAppError(common.CodeNotFound, "ticket not found", http.StatusNotFound, nil)
	ErrTerminal = common.NewAppError(common.CodeConflict, "ticket is already closed", http.StatusConflict, nil)
)

// transitions lists, per target status, the statuses an operator may move from.
var transitions = map[db.TicketStatus][]db.TicketStatus{
	db.TicketInProgress: {db.TicketPending},
	db.TicketEscalated:  {db.TicketPending},
	db.TicketResolved:   {db.TicketPending, db.TicketInProgress, db.TicketEscalated},
}

// ListParams filters and pages the queue.
type ListParams struct {
	Status   db.TicketStatus
	Sort     db.TicketSort
	Page     int
	PageSize int
}

// ListResult is a page of tickets plus dashboard aggregates.
type ListResult struct {
	Items         []db.Ticket       `json:"items"`
	Pagination    common.Pagination `json:"pagination"`
	PendingCount  int               `json:"pending_count"`
	BreachedCount int               `json:"breached_count"`
}

// Service exposes operator operations on tickets.
type Service struct {
	Store           db.Store
	Now             func() time.Time
	DefaultPageSize int
	MaxPageSize     int
	Logger          zerolog.Logger
}

// List returns one page of tickets. Unknown sort keys fall back to urgency.
func (s *Service) List(ctx context.Context, p ListParams) (ListResult, error) {
	if p.Status != "" && !p.Status.Valid() {
		return ListResult{}, common.BadRequest("unknown status", map[string]string{"status": string(p.Status)})
	}
	if p.Sort != db.SortCreated {
		p.Sort = db.SortUrgency
	}
	size := p.PageSize
	if size <= 0 {
		size = s.defaultPageSize()
	}
	if s.MaxPageSize > 0 && size > s.MaxPageSize {
		size = s.MaxPageSize
	}
	page := p.Page
	if page < 1 {
		page = 1
	}

	items, err := s.Store.ListTickets(ctx, db.ListTicketsParams{
		Status: p.Status,
		Sort:   p.Sort,
		Limit:  size,
		Offset: common.Offset(page, size),
	})
	if err != nil {
		return ListResult{}, err
	}
	total, err := s.Store.CountTickets(ctx, p.Status)
	if err != nil {
		return ListResult{}, err
	}
	agg, err := s.Store.TicketAggregates(ctx, s.now())
	if err != nil {
		return ListResult{}, err
	}
	if items == nil {
		items = []db.Ticket{}
	}
	return ListResult{
		Items:         items,
		Pagination:    common.Pagination{Page: page, PageSize: size, TotalItems: total},
		PendingCount:  agg.PendingCount,
		BreachedCount: agg.BreachedCount,
	}, nil
}

// Get loads a single ticket.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (db.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.Ticket{}, ErrNotFound
	}
	return t, err
}

// Resolve closes a ticket with the operator's notes.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, assignee, notes string) (db.Ticket, error) {
	now := s.now()
	return s.transition(ctx, id, db.TicketResolved, assignee, notes, &now)
}

// Assign moves a pending ticket to in_progress under assignee.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assignee string) (db.Ticket, error) {
	return s.transition(ctx, id, db.TicketInProgress, assignee, "", nil)
}

// Escalate moves a pending ticket out of the SLA scan for senior review.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, assignee, notes string) (db.Ticket, error) {
	return s.transition(ctx, id, db.TicketEscalated, assignee, notes, nil)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to db.TicketStatus, assignee, notes string, resolvedAt *time.Time) (db.Ticket, error) {
	from, ok := transitions[to]
	if !ok {
		return db.Ticket{}, common.BadRequest("unsupported transition", nil)
	}
	arg := db.TransitionTicketParams{
		ID:         id,
		From:       from,
		To:         to,
		ResolvedAt: resolvedAt,
		At:         s.now(),
	}
	if a := strings.TrimSpace(assignee); a != "" {
		arg.Assignee = &a
	}
	if n := strings.TrimSpace(notes); n != "" {
		arg.Notes = &n
	}

	ticket, applied, err := s.Store.TransitionTicket(ctx, arg)
	if err != nil && !errors.Is(err, db.ErrConflict) {
		return db.Ticket{}, err
	}
	if applied {
		s.Logger.Info().
			Str("ticket_id", id.String()).
			Str("status", string(to)).
			Str("assignee", assignee).
			Msg("ticket transitioned")
		return ticket, nil
	}

	// explain the miss: unknown, closed, or wrong source status
	current, getErr := s.Store.GetTicket(ctx, id)
	if errors.Is(getErr, db.ErrNotFound) {
		return db.Ticket{}, ErrNotFound
	}
	if getErr != nil {
		return db.Ticket{}, getErr
	}
	if current.Status.Terminal() {
		return db.Ticket{}, ErrTerminal
	}
	return db.Ticket{}, common.NewAppError(common.CodeConflict, "ticket cannot move from "+string(current.Status)+" to "+string(to), http.StatusConflict, err)
}

func (s *Service) defaultPageSize() int {
	if s.DefaultPageSize <= 0 {
		return 20
	}
	return s.DefaultPageSize
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
