package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, payment_id, order_id, email, email_normalized, parameters, content,
	generation_engine_id, artifact_location, status, step, refund_count, last_error,
	notification_sent_at, notification_message_id, created_at, updated_at`

func scanJob(row pgx.Row) (DeliveryJob, error) {
	var j DeliveryJob
	err := row.Scan(
		&j.ID,
		&j.PaymentID,
		&j.OrderID,
		&j.Email,
		&j.EmailNormalized,
		&j.Parameters,
		&j.Content,
		&j.GenerationEngineID,
		&j.ArtifactLocation,
		&j.Status,
		&j.Step,
		&j.RefundCount,
		&j.LastError,
		&j.NotificationSentAt,
		&j.NotificationMessageID,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

func jobOrNotFound(row pgx.Row) (DeliveryJob, error) {
	j, err := scanJob(row)
	return j, MapError(err)
}

const insertDeliveryJob = `-- name: InsertDeliveryJob :one
INSERT INTO delivery_jobs (payment_id, order_id, email, email_normalized, parameters, status, step)
VALUES ($1, $2, $3, lower(btrim($3)), $4, 'processing', $5)
ON CONFLICT (payment_id) DO NOTHING
RETURNING ` + jobColumns

type InsertDeliveryJobParams struct {
	PaymentID  string
	OrderID    uuid.UUID
	Email      string
	Parameters json.RawMessage
	Step       string
}

// InsertDeliveryJob creates the single job for a payment.
func (q *Queries) InsertDeliveryJob(ctx context.Context, arg InsertDeliveryJobParams) (DeliveryJob, Outcome, error) {
	j, err := scanJob(q.db.QueryRow(ctx, insertDeliveryJob, arg.PaymentID, arg.OrderID, arg.Email, arg.Parameters, arg.Step))
	if err == nil {
		return j, OutcomeCreated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DeliveryJob{}, OutcomeError, MapError(err)
	}
	existing, err := q.GetDeliveryJob(ctx, arg.PaymentID)
	if err != nil {
		return DeliveryJob{}, OutcomeError, err
	}
	return existing, OutcomeAlreadyExists, nil
}

const getDeliveryJob = `-- name: GetDeliveryJob :one
SELECT ` + jobColumns + ` FROM delivery_jobs WHERE payment_id = $1`

func (q *Queries) GetDeliveryJob(ctx context.Context, paymentID string) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, getDeliveryJob, paymentID))
}

const updateJobState = `-- name: UpdateJobState :one
UPDATE delivery_jobs
SET status = $2, step = $3, last_error = $4, updated_at = now()
WHERE payment_id = $1
RETURNING ` + jobColumns

type UpdateJobStateParams struct {
	PaymentID string
	Status    JobStatus
	Step      string
	LastError *string
}

func (q *Queries) UpdateJobState(ctx context.Context, arg UpdateJobStateParams) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, updateJobState, arg.PaymentID, arg.Status, arg.Step, arg.LastError))
}

const saveGeneration = `-- name: SaveGeneration :one
UPDATE delivery_jobs
SET generation_engine_id = $2, content = $3, step = $4, last_error = NULL, updated_at = now()
WHERE payment_id = $1
RETURNING ` + jobColumns

type SaveGenerationParams struct {
	PaymentID string
	EngineID  string
	Content   json.RawMessage
	Step      string
}

func (q *Queries) SaveGeneration(ctx context.Context, arg SaveGenerationParams) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, saveGeneration, arg.PaymentID, arg.EngineID, arg.Content, arg.Step))
}

const saveArtifact = `-- name: SaveArtifact :one
UPDATE delivery_jobs
SET artifact_location = $2, step = $3, last_error = NULL, updated_at = now()
WHERE payment_id = $1
RETURNING ` + jobColumns

type SaveArtifactParams struct {
	PaymentID string
	Location  string
	Step      string
}

func (q *Queries) SaveArtifact(ctx context.Context, arg SaveArtifactParams) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, saveArtifact, arg.PaymentID, arg.Location, arg.Step))
}

const markJobNotified = `-- name: MarkJobNotified :one
UPDATE delivery_jobs
SET notification_sent_at = $2, notification_message_id = $3, updated_at = now()
WHERE payment_id = $1 AND notification_sent_at IS NULL
RETURNING ` + jobColumns

type MarkJobNotifiedParams struct {
	PaymentID string
	SentAt    time.Time
	MessageID string
}

// MarkJobNotified sets the notification marker once. A job already marked
// yields ErrConflict.
func (q *Queries) MarkJobNotified(ctx context.Context, arg MarkJobNotifiedParams) (DeliveryJob, error) {
	j, err := scanJob(q.db.QueryRow(ctx, markJobNotified, arg.PaymentID, arg.SentAt, arg.MessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := q.GetDeliveryJob(ctx, arg.PaymentID); getErr != nil {
			return DeliveryJob{}, getErr
		}
		return DeliveryJob{}, ErrConflict
	}
	return j, MapError(err)
}

const clearJobArtifacts = `-- name: ClearJobArtifacts :one
UPDATE delivery_jobs
SET artifact_location = NULL,
    generation_engine_id = NULL,
    content = NULL,
    notification_sent_at = NULL,
    notification_message_id = NULL,
    status = 'failed',
    step = $2,
    last_error = $3,
    updated_at = now()
WHERE payment_id = $1 AND status <> 'refunded'
RETURNING ` + jobColumns

type ClearJobArtifactsParams struct {
	PaymentID string
	Step      string
	Reason    string
}

func (q *Queries) ClearJobArtifacts(ctx context.Context, arg ClearJobArtifactsParams) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, clearJobArtifacts, arg.PaymentID, arg.Step, arg.Reason))
}

const recordJobRefund = `-- name: RecordJobRefund :one
UPDATE delivery_jobs
SET refund_count = refund_count + $2,
    status = CASE WHEN status IN ('completed', 'failed') THEN 'refunded' ELSE status END,
    updated_at = now()
WHERE payment_id = $1
RETURNING ` + jobColumns

type RecordJobRefundParams struct {
	PaymentID string
	Increment int
}

// RecordJobRefund bumps the refund counter and moves finished jobs to refunded.
// Jobs still processing keep their status so the saga is not interrupted.
func (q *Queries) RecordJobRefund(ctx context.Context, arg RecordJobRefundParams) (DeliveryJob, error) {
	return jobOrNotFound(q.db.QueryRow(ctx, recordJobRefund, arg.PaymentID, arg.Increment))
}

const countRecentRefunds = `-- name: CountRecentRefunds :one
SELECT COALESCE(SUM(refund_count), 0)::int
FROM delivery_jobs
WHERE email_normalized = $1 AND created_at >= $2`

func (q *Queries) CountRecentRefunds(ctx context.Context, emailNormalized string, since time.Time) (int, error) {
	var total int
	err := q.db.QueryRow(ctx, countRecentRefunds, emailNormalized, since).Scan(&total)
	return total, MapError(err)
}
