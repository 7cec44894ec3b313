package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, reference, email, email_normalized, parameters, created_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Reference, &o.Email, &o.EmailNormalized, &o.Parameters, &o.CreatedAt)
	return o, err
}

const insertOrder = `-- name: InsertOrder :one
INSERT INTO orders (reference, email, email_normalized, parameters)
VALUES ($1, $2, lower(btrim($2)), $3)
RETURNING ` + orderColumns

type InsertOrderParams struct {
	Reference  string
	Email      string
	Parameters json.RawMessage
}

func (q *Queries) InsertOrder(ctx context.Context, arg InsertOrderParams) (Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, insertOrder, arg.Reference, arg.Email, arg.Parameters))
	return o, MapError(err)
}

const findOrder = `-- name: FindOrder :one
SELECT ` + orderColumns + `
FROM orders
WHERE (NULLIF($1::text, '') IS NOT NULL AND reference = $1)
   OR (NULLIF($1::text, '') IS NULL AND email_normalized = $2 AND created_at >= $3)
ORDER BY created_at DESC
LIMIT 1`

// FindOrderParams matches by client reference when one is set, otherwise by
// the most recent order for the email created since Since.
type FindOrderParams struct {
	Reference       string
	EmailNormalized string
	Since           time.Time
}

func (q *Queries) FindOrder(ctx context.Context, arg FindOrderParams) (Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, findOrder, arg.Reference, arg.EmailNormalized, arg.Since))
	return o, MapError(err)
}
