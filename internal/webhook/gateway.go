package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/obs"
)

type ack struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
}

// Gateway authenticates provider callbacks and acknowledges them once they
// are handed to the Dispatcher. Processing outcomes never change the response.
type Gateway struct {
	Verifier   Verifier
	Dispatcher Dispatcher
	Replay     ReplayGuard
	Metrics    *obs.DomainMetrics
	Logger     zerolog.Logger
}

// ServeHTTP handles POST /webhooks/payment.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook.Gateway").Start(r.Context(), "Gateway.ServeHTTP")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.reject(w, r, "body_too_large", http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large")
			return
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "unable to read payload", nil)
		return
	}

	sig, err := g.Verifier.Verify(r.Header.Get(SignatureHeader), body)
	if err != nil {
		evt := obs.SecurityEvent(&g.Logger, r, Reason(err)).Str("event", "security.webhook_rejected")
		if sig.Timestamp != 0 {
			evt = evt.Int64("signature_ts", sig.Timestamp)
		}
		evt.Msg("webhook signature rejected")
		g.Metrics.WebhookRejected(Reason(err))
		common.JSONError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		var details any
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			details = appErr.Details
		}
		obs.SecurityEvent(&g.Logger, r, "malformed_event").
			Str("event", "security.webhook_rejected").
			Interface("details", details).
			Msg("webhook payload rejected")
		g.Metrics.WebhookRejected("malformed_event")
		common.WriteError(w, err)
		return
	}
	span.SetAttributes(attribute.String("webhook.event_id", ev.ID), attribute.String("webhook.event_type", ev.Type))
	logger := g.Logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	if !ev.Supported() {
		logger.Debug().Msg("webhook event type ignored")
		g.Metrics.WebhookEvent(ev.Type, "ignored")
		common.JSON(w, http.StatusOK, ack{Received: true, EventID: ev.ID})
		return
	}

	fresh, err := g.Replay.Acquire(ctx, ev.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("replay guard unavailable")
		fresh = true
	}
	if !fresh {
		logger.Info().Msg("webhook event already accepted")
		g.Metrics.WebhookEvent(ev.Type, "duplicate")
		common.JSON(w, http.StatusOK, ack{Received: true, EventID: ev.ID})
		return
	}

	if err := g.Dispatcher.Dispatch(ctx, ev); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("webhook dispatch failed")
		if relErr := g.Replay.Release(ctx, ev.ID); relErr != nil {
			logger.Warn().Err(relErr).Msg("replay guard release failed")
		}
		g.Metrics.WebhookEvent(ev.Type, "dispatch_failed")
	} else {
		g.Metrics.WebhookEvent(ev.Type, "accepted")
	}
	common.JSON(w, http.StatusOK, ack{Received: true, EventID: ev.ID})
}

// RateLimited records a rate limit rejection; it plugs into
// ratelimit.Handler.OnLimited.
func (g *Gateway) RateLimited(r *http.Request) {
	obs.SecurityEvent(&g.Logger, r, "rate_limited").Str("event", "security.webhook_rejected").Msg("webhook rate limited")
	g.Metrics.WebhookRejected("rate_limited")
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, reason string, status int, code, msg string) {
	obs.SecurityEvent(&g.Logger, r, reason).Str("event", "security.webhook_rejected").Msg("webhook rejected")
	g.Metrics.WebhookRejected(reason)
	common.JSONError(w, status, code, msg, nil)
}
