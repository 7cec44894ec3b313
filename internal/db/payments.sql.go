package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, external_payment_id, amount, currency, payer_email, payer_email_normalized,
	payment_method, status, order_reference, created_at, updated_at`

func scanPayment(row pgx.Row) (PaymentTransaction, error) {
	var p PaymentTransaction
	err := row.Scan(
		&p.ID,
		&p.ExternalPaymentID,
		&p.Amount,
		&p.Currency,
		&p.PayerEmail,
		&p.PayerEmailNormalized,
		&p.PaymentMethod,
		&p.Status,
		&p.OrderReference,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

const insertPayment = `-- name: InsertPayment :one
INSERT INTO payment_transactions (
	external_payment_id, amount, currency, payer_email, payer_email_normalized,
	payment_method, status, order_reference
) VALUES ($1, $2, lower($3), $4, lower(btrim($4)), $5, 'succeeded', $6)
ON CONFLICT (external_payment_id) DO NOTHING
RETURNING ` + paymentColumns

type InsertPaymentParams struct {
	ExternalPaymentID string
	Amount            int64
	Currency          string
	PayerEmail        string
	PaymentMethod     string
	OrderReference    string
}

// InsertPayment records a succeeded payment once per external id. A replayed
// id yields OutcomeAlreadyExists and the stored row.
func (q *Queries) InsertPayment(ctx context.Context, arg InsertPaymentParams) (PaymentTransaction, Outcome, error) {
	row := q.db.QueryRow(ctx, insertPayment,
		arg.ExternalPaymentID,
		arg.Amount,
		arg.Currency,
		arg.PayerEmail,
		arg.PaymentMethod,
		arg.OrderReference,
	)
	p, err := scanPayment(row)
	if err == nil {
		return p, OutcomeCreated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PaymentTransaction{}, OutcomeError, MapError(err)
	}
	existing, err := q.GetPayment(ctx, arg.ExternalPaymentID)
	if err != nil {
		return PaymentTransaction{}, OutcomeError, err
	}
	return existing, OutcomeAlreadyExists, nil
}

const getPayment = `-- name: GetPayment :one
SELECT ` + paymentColumns + `
FROM payment_transactions
WHERE external_payment_id = $1`

func (q *Queries) GetPayment(ctx context.Context, externalPaymentID string) (PaymentTransaction, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, getPayment, externalPaymentID))
	return p, MapError(err)
}

const transitionPaymentStatus = `-- name: TransitionPaymentStatus :one
UPDATE payment_transactions
SET status = $2, updated_at = now()
WHERE external_payment_id = $1 AND status = 'succeeded'
RETURNING ` + paymentColumns

type TransitionPaymentStatusParams struct {
	ExternalPaymentID string
	Status            PaymentStatus
}

// TransitionPaymentStatus moves a succeeded payment forward. The bool is false
// when the payment is unknown or has already left succeeded.
func (q *Queries) TransitionPaymentStatus(ctx context.Context, arg TransitionPaymentStatusParams) (PaymentTransaction, bool, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, transitionPaymentStatus, arg.ExternalPaymentID, arg.Status))
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentTransaction{}, false, nil
	}
	if err != nil {
		return PaymentTransaction{}, false, MapError(err)
	}
	return p, true, nil
}
