package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/resilience"
)

// ReasonSLACompensation tags refunds issued automatically for a missed SLA.
const ReasonSLACompensation = "sla_compensation"

// ErrRefundsDisabled is returned by DisabledRefunder.
var ErrRefundsDisabled = errors.New("payment: refunds are not configured")

// RefundRequest asks the provider to return money for a payment.
type RefundRequest struct {
	PaymentID string
	// Amount in minor units; zero refunds the full amount.
	Amount   int64
	Currency string
	Reason   string
}

// Refunder is the payment provider's refund API.
type Refunder interface {
	// Eligible reports whether payments made with method can be refunded
	// programmatically.
	Eligible(method string) bool
	// Refund returns the provider refund id. Repeated calls for the same
	// payment and reason are idempotent.
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// StripeRefunder refunds payment intents through the Stripe API.
type StripeRefunder struct {
	api     *client.API
	methods map[string]bool
}

// StripeConfig configures NewStripeRefunder.
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host, for tests.
	BaseURL    string
	HTTPClient *http.Client
	Methods    []string
}

// NewStripeRefunder builds a refunder with its own client; no package level
// Stripe state is touched.
func NewStripeRefunder(cfg StripeConfig) *StripeRefunder {
	bc := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelWarn},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	if cfg.HTTPClient != nil {
		bc.HTTPClient = cfg.HTTPClient
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	api := client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToLower(strings.TrimSpace(m))] = true
	}
	return &StripeRefunder{api: api, methods: methods}
}

// Eligible implements Refunder.
func (s *StripeRefunder) Eligible(method string) bool {
	return s.methods[strings.ToLower(strings.TrimSpace(method))]
}

// Refund implements Refunder. Card declines and other 4xx answers are
// permanent; a payment that was already refunded counts as success.
func (s *StripeRefunder) Refund(ctx context.Context, req RefundRequest) (string, error) {
	_, span := otel.Tracer("payment.StripeRefunder").Start(ctx, "StripeRefunder.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", req.PaymentID), attribute.String("refund.reason", req.Reason))

	params := &stripe.RefundParams{Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer))}
	if strings.HasPrefix(req.PaymentID, "ch_") {
		params.Charge = stripe.String(req.PaymentID)
	} else {
		params.PaymentIntent = stripe.String(req.PaymentID)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.Reason + "-" + req.PaymentID)
	params.AddMetadata("reason", req.Reason)
	params.AddMetadata("payment_id", req.PaymentID)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		span.RecordError(err)
		var serr *stripe.Error
		if errors.As(err, &serr) {
			if serr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
				return "already_refunded", nil
			}
			if serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 && serr.HTTPStatusCode != http.StatusTooManyRequests {
				return "", resilience.Permanent(fmt.Errorf("payment: stripe refund %s: %w", req.PaymentID, err))
			}
		}
		return "", fmt.Errorf("payment: stripe refund %s: %w", req.PaymentID, err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return r.ID, resilience.Permanent(fmt.Errorf("payment: refund %s ended %s", r.ID, r.Status))
	}
	return r.ID, nil
}

// DisabledRefunder is used when no provider key is configured. Nothing is
// eligible, so compensation is left to operators.
type DisabledRefunder struct{}

// Eligible implements Refunder.
func (DisabledRefunder) Eligible(string) bool { return false }

// Refund implements Refunder.
func (DisabledRefunder) Refund(context.Context, RefundRequest) (string, error) {
	return "", ErrRefundsDisabled
}
