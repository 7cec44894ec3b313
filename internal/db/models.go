package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusChargeback PaymentStatus = "chargeback"
)

type PaymentTransaction struct {
	ID                   int64         `json:"id"`
	ExternalPaymentID    string        `json:"external_payment_id"`
	Amount               int64         `json:"amount"`
	Currency             string        `json:"currency"`
	PayerEmail           string        `json:"payer_email"`
	PayerEmailNormalized string        `json:"payer_email_normalized"`
	PaymentMethod        string        `json:"payment_method"`
	Status               PaymentStatus `json:"status"`
	OrderReference       string        `json:"order_reference"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Order is written by the customer-facing quiz flow and only read here.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	Reference       string          `json:"reference"`
	Email           string          `json:"email"`
	EmailNormalized string          `json:"email_normalized"`
	Parameters      json.RawMessage `json:"parameters"`
	CreatedAt       time.Time       `json:"created_at"`
}

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRefunded   JobStatus = "refunded"
)

type DeliveryJob struct {
	ID                    int64           `json:"id"`
	PaymentID             string          `json:"payment_id"`
	OrderID               uuid.UUID       `json:"order_id"`
	Email                 string          `json:"email"`
	EmailNormalized       string          `json:"email_normalized"`
	Parameters            json.RawMessage `json:"parameters"`
	Content               json.RawMessage `json:"content"`
	GenerationEngineID    *string         `json:"generation_engine_id"`
	ArtifactLocation      *string         `json:"artifact_location"`
	Status                JobStatus       `json:"status"`
	Step                  string          `json:"step"`
	RefundCount           int             `json:"refund_count"`
	LastError             *string         `json:"last_error"`
	NotificationSentAt    *time.Time      `json:"notification_sent_at"`
	NotificationMessageID *string         `json:"notification_message_id"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type TicketCategory string

const (
	CategoryMissingOrderData TicketCategory = "missing-order-data"
	CategoryGenerationFailed TicketCategory = "generation-failed"
	CategoryRenderFailed     TicketCategory = "render-failed"
	CategoryPersistFailed    TicketCategory = "persist-failed"
	CategoryNotifyFailed     TicketCategory = "notify-failed"
	CategoryRefundPattern    TicketCategory = "refund-pattern"
)

type TicketStatus string

const (
	TicketPending           TicketStatus = "pending"
	TicketInProgress        TicketStatus = "in_progress"
	TicketResolved          TicketStatus = "resolved"
	TicketEscalated         TicketStatus = "escalated"
	TicketSLAMissedRefunded TicketStatus = "sla_missed_refunded"
)

// Terminal reports whether no further transition is allowed from s.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketSLAMissedRefunded
}

// Open reports whether s counts against the one-open-ticket-per-issue rule.
func (s TicketStatus) Open() bool {
	return s == TicketPending || s == TicketInProgress
}

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketInProgress, TicketResolved, TicketEscalated, TicketSLAMissedRefunded:
		return true
	}
	return false
}

type Ticket struct {
	ID              uuid.UUID       `json:"id"`
	PaymentID       string          `json:"payment_id"`
	Email           string          `json:"email"`
	EmailNormalized string          `json:"email_normalized"`
	Category        TicketCategory  `json:"category"`
	Status          TicketStatus    `json:"status"`
	SLADeadline     time.Time       `json:"sla_deadline"`
	Assignee        *string         `json:"assignee"`
	ResolutionNotes *string         `json:"resolution_notes"`
	Details         json.RawMessage `json:"details"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type BlacklistEntry struct {
	EmailNormalized string    `json:"email_normalized"`
	Reason          string    `json:"reason"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the block is still in force at now.
func (b BlacklistEntry) Active(now time.Time) bool {
	return b.ExpiresAt.After(now)
}
