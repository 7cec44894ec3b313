package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/planbox/internal/db"
)

// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// Store provides database accessors for queue DLQ operations.
type Store interface {
	InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	DeleteQueueDlq(ctx context.Context, id uuid.UUID) error
	GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	CountQueueDlq(ctx context.Context, kind string) (int64, error)
}

// DLQEntry represents an item stored in the DLQ table. Payload holds the
// encoded task message so a replay restores the original attempt counters.
type DLQEntry struct {
	ID             uuid.UUID `db:"id"`
	Kind           string    `db:"kind"`
	IdempotencyKey string    `db:"idem_key"`
	Payload        []byte    `db:"payload"`
	Attempts       int       `db:"attempts"`
	LastError      *string   `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
}

const dlqColumns = `id, kind, idem_key, payload, attempts, last_error, created_at`

// NewStore constructs a Store on any pgx connection or pool.
func NewStore(conn db.DBTX) Store {
	return &pgStore{conn: conn}
}

type pgStore struct {
	conn db.DBTX
}

func (s *pgStore) InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.conn == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.conn.QueryRow(ctx, `INSERT INTO queue_dlq (kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, entry.LastError).Scan(&id)
	if err != nil {
		return uuid.Nil, db.MapError(err)
	}
	return id, nil
}

func (s *pgStore) DeleteQueueDlq(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.conn == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.conn.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (s *pgStore) GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.conn == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	rows, err := s.conn.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq WHERE id = $1`, id)
	if err != nil {
		return DLQEntry{}, db.MapError(err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[DLQEntry])
	if err != nil {
		return DLQEntry{}, db.MapError(err)
	}
	return entry, nil
}

// ListQueueDlq returns newest entries first, optionally filtered by kind.
func (s *pgStore) ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s == nil || s.conn == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.conn.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq
WHERE ($1 = '' OR kind = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, strings.TrimSpace(kind), limit, offset)
	if err != nil {
		return nil, db.MapError(err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[DLQEntry])
	if err != nil {
		return nil, db.MapError(err)
	}
	return entries, nil
}

func (s *pgStore) CountQueueDlq(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.conn == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq WHERE ($1 = '' OR kind = $1)`,
		strings.TrimSpace(kind)).Scan(&total)
	if err != nil {
		return 0, db.MapError(err)
	}
	return total, nil
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
