package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const blacklistColumns = `email_normalized, reason, expires_at, created_at, updated_at`

func scanBlacklist(row pgx.Row) (BlacklistEntry, error) {
	var b BlacklistEntry
	err := row.Scan(&b.EmailNormalized, &b.Reason, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

const upsertBlacklist = `-- name: UpsertBlacklist :one
INSERT INTO blacklist_entries (email_normalized, reason, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (email_normalized) DO UPDATE
SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, updated_at = now()
WHERE $4::bool OR blacklist_entries.expires_at < EXCLUDED.expires_at
RETURNING ` + blacklistColumns

// UpsertBlacklistParams overwrites an existing entry only when the new expiry
// is later, unless Force is set.
type UpsertBlacklistParams struct {
	EmailNormalized string
	Reason          string
	ExpiresAt       time.Time
	Force           bool
}

// UpsertBlacklist returns the entry in force after the call and whether this
// call wrote it.
func (q *Queries) UpsertBlacklist(ctx context.Context, arg UpsertBlacklistParams) (BlacklistEntry, bool, error) {
	b, err := scanBlacklist(q.db.QueryRow(ctx, upsertBlacklist, arg.EmailNormalized, arg.Reason, arg.ExpiresAt, arg.Force))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return BlacklistEntry{}, false, MapError(err)
	}
	existing, err := q.GetBlacklistEntry(ctx, arg.EmailNormalized)
	if err != nil {
		return BlacklistEntry{}, false, err
	}
	return existing, false, nil
}

const getBlacklistEntry = `-- name: GetBlacklistEntry :one
SELECT ` + blacklistColumns + ` FROM blacklist_entries WHERE email_normalized = $1`

func (q *Queries) GetBlacklistEntry(ctx context.Context, emailNormalized string) (BlacklistEntry, error) {
	b, err := scanBlacklist(q.db.QueryRow(ctx, getBlacklistEntry, emailNormalized))
	return b, MapError(err)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
