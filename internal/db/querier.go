package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Querier interface {
	InsertPayment(ctx context.Context, arg InsertPaymentParams) (PaymentTransaction, Outcome, error)
	GetPayment(ctx context.Context, externalPaymentID string) (PaymentTransaction, error)
	TransitionPaymentStatus(ctx context.Context, arg TransitionPaymentStatusParams) (PaymentTransaction, bool, error)

	InsertOrder(ctx context.Context, arg InsertOrderParams) (Order, error)
	FindOrder(ctx context.Context, arg FindOrderParams) (Order, error)

	InsertDeliveryJob(ctx context.Context, arg InsertDeliveryJobParams) (DeliveryJob, Outcome, error)
	GetDeliveryJob(ctx context.Context, paymentID string) (DeliveryJob, error)
	UpdateJobState(ctx context.Context, arg UpdateJobStateParams) (DeliveryJob, error)
	SaveGeneration(ctx context.Context, arg SaveGenerationParams) (DeliveryJob, error)
	SaveArtifact(ctx context.Context, arg SaveArtifactParams) (DeliveryJob, error)
	MarkJobNotified(ctx context.Context, arg MarkJobNotifiedParams) (DeliveryJob, error)
	ClearJobArtifacts(ctx context.Context, arg ClearJobArtifactsParams) (DeliveryJob, error)
	RecordJobRefund(ctx context.Context, arg RecordJobRefundParams) (DeliveryJob, error)
	CountRecentRefunds(ctx context.Context, emailNormalized string, since time.Time) (int, error)

	InsertTicket(ctx context.Context, arg InsertTicketParams) (Ticket, Outcome, error)
	FindOpenTicket(ctx context.Context, emailNormalized string, category TicketCategory) (Ticket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (Ticket, error)
	ListTickets(ctx context.Context, arg ListTicketsParams) ([]Ticket, error)
	CountTickets(ctx context.Context, status TicketStatus) (int, error)
	TicketAggregates(ctx context.Context, now time.Time) (TicketAggregatesRow, error)
	TransitionTicket(ctx context.Context, arg TransitionTicketParams) (Ticket, bool, error)
	ListBreachedTickets(ctx context.Context, now time.Time, limit int) ([]Ticket, error)

	UpsertBlacklist(ctx context.Context, arg UpsertBlacklistParams) (BlacklistEntry, bool, error)
	GetBlacklistEntry(ctx context.Context, emailNormalized string) (BlacklistEntry, error)
}

var _ Querier = (*Queries)(nil)
