package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const ticketColumns = `id, payment_id, email, email_normalized, category, status, sla_deadline,
	assignee, resolution_notes, details, created_at, resolved_at, updated_at`

func scanTicket(row pgx.Row) (Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID,
		&t.PaymentID,
		&t.Email,
		&t.EmailNormalized,
		&t.Category,
		&t.Status,
		&t.SLADeadline,
		&t.Assignee,
		&t.ResolutionNotes,
		&t.Details,
		&t.CreatedAt,
		&t.ResolvedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func scanTickets(rows pgx.Rows) ([]Ticket, error) {
	defer rows.Close()
	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const insertTicket = `-- name: InsertTicket :one
INSERT INTO manual_resolution_tickets (
	payment_id, email, email_normalized, category, status, sla_deadline, details, created_at, updated_at
) VALUES ($1, $2, lower(btrim($2)), $3, 'pending', $4, $5, $6, $6)
ON CONFLICT (email_normalized, category) WHERE status IN ('pending', 'in_progress') DO NOTHING
RETURNING ` + ticketColumns

type InsertTicketParams struct {
	PaymentID   string
	Email       string
	Category    TicketCategory
	Details     json.RawMessage
	CreatedAt   time.Time
	SLADeadline time.Time
}

// InsertTicket opens a pending ticket unless one is already open for the same
// email and category, in which case the open ticket is returned.
func (q *Queries) InsertTicket(ctx context.Context, arg InsertTicketParams) (Ticket, Outcome, error) {
	details := arg.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	t, err := scanTicket(q.db.QueryRow(ctx, insertTicket,
		arg.PaymentID,
		arg.Email,
		arg.Category,
		arg.SLADeadline,
		details,
		arg.CreatedAt,
	))
	if err == nil {
		return t, OutcomeCreated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, OutcomeError, MapError(err)
	}
	open, err := q.FindOpenTicket(ctx, normalize(arg.Email), arg.Category)
	if err != nil {
		return Ticket{}, OutcomeError, err
	}
	return open, OutcomeAlreadyExists, nil
}

const findOpenTicket = `-- name: FindOpenTicket :one
SELECT ` + ticketColumns + `
FROM manual_resolution_tickets
WHERE email_normalized = $1 AND category = $2 AND status IN ('pending', 'in_progress')
LIMIT 1`

func (q *Queries) FindOpenTicket(ctx context.Context, emailNormalized string, category TicketCategory) (Ticket, error) {
	t, err := scanTicket(q.db.QueryRow(ctx, findOpenTicket, emailNormalized, category))
	return t, MapError(err)
}

const getTicket = `-- name: GetTicket :one
SELECT ` + ticketColumns + ` FROM manual_resolution_tickets WHERE id = $1`

func (q *Queries) GetTicket(ctx context.Context, id uuid.UUID) (Ticket, error) {
	t, err := scanTicket(q.db.QueryRow(ctx, getTicket, id))
	return t, MapError(err)
}

type TicketSort string

const (
	SortUrgency TicketSort = "urgency"
	SortCreated TicketSort = "created"
)

const listTickets = `-- name: ListTickets :many
SELECT ` + ticketColumns + `
FROM manual_resolution_tickets
WHERE NULLIF($1::text, '') IS NULL OR status = $1
ORDER BY
	CASE WHEN $2::text = 'created' THEN created_at END DESC,
	CASE WHEN $2::text <> 'created' THEN sla_deadline END ASC,
	created_at DESC,
	id
LIMIT $3 OFFSET $4`

// ListTicketsParams filters by Status when set. SortUrgency orders by the
// nearest deadline first, SortCreated by newest first.
type ListTicketsParams struct {
	Status TicketStatus
	Sort   TicketSort
	Limit  int
	Offset int
}

func (q *Queries) ListTickets(ctx context.Context, arg ListTicketsParams) ([]Ticket, error) {
	rows, err := q.db.Query(ctx, listTickets, string(arg.Status), string(arg.Sort), arg.Limit, arg.Offset)
	if err != nil {
		return nil, MapError(err)
	}
	return scanTickets(rows)
}

const countTickets = `-- name: CountTickets :one
SELECT count(*)::int FROM manual_resolution_tickets WHERE NULLIF($1::text, '') IS NULL OR status = $1`

func (q *Queries) CountTickets(ctx context.Context, status TicketStatus) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, countTickets, string(status)).Scan(&n)
	return n, MapError(err)
}

const ticketAggregates = `-- name: TicketAggregates :one
SELECT
	count(*) FILTER (WHERE status = 'pending')::int,
	count(*) FILTER (WHERE status IN ('pending', 'in_progress') AND sla_deadline <= $1)::int
FROM manual_resolution_tickets`

type TicketAggregatesRow struct {
	PendingCount  int
	BreachedCount int
}

func (q *Queries) TicketAggregates(ctx context.Context, now time.Time) (TicketAggregatesRow, error) {
	var row TicketAggregatesRow
	err := q.db.QueryRow(ctx, ticketAggregates, now).Scan(&row.PendingCount, &row.BreachedCount)
	return row, MapError(err)
}

const transitionTicket = `-- name: TransitionTicket :one
UPDATE manual_resolution_tickets
SET status = $3,
    assignee = COALESCE($4, assignee),
    resolution_notes = COALESCE($5, resolution_notes),
    resolved_at = COALESCE($6, resolved_at),
    updated_at = $7
WHERE id = $1 AND status = ANY($2::text[])
RETURNING ` + ticketColumns

// TransitionTicketParams describes a conditional status change: the update only
// applies while the ticket is in one of From. Nil fields keep stored values.
type TransitionTicketParams struct {
	ID         uuid.UUID
	From       []TicketStatus
	To         TicketStatus
	Assignee   *string
	Notes      *string
	ResolvedAt *time.Time
	At         time.Time
}

// TransitionTicket applies the change and reports whether a row matched. A
// false result means another writer moved the ticket first or it is unknown.
func (q *Queries) TransitionTicket(ctx context.Context, arg TransitionTicketParams) (Ticket, bool, error) {
	from := make([]string, len(arg.From))
	for i, s := range arg.From {
		from[i] = string(s)
	}
	t, err := scanTicket(q.db.QueryRow(ctx, transitionTicket,
		arg.ID,
		from,
		arg.To,
		arg.Assignee,
		arg.Notes,
		arg.ResolvedAt,
		arg.At,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, MapError(err)
	}
	return t, true, nil
}

const listBreachedTickets = `-- name: ListBreachedTickets :many
SELECT ` + ticketColumns + `
FROM manual_resolution_tickets
WHERE status = 'pending' AND sla_deadline <= $1
ORDER BY sla_deadline
LIMIT $2`

func (q *Queries) ListBreachedTickets(ctx context.Context, now time.Time, limit int) ([]Ticket, error) {
	rows, err := q.db.Query(ctx, listBreachedTickets, now, limit)
	if err != nil {
		return nil, MapError(err)
	}
	return scanTickets(rows)
}
