// Package notify sends customer emails through an HTTP email API and raises
// operational alerts for failures that need a human.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/resilience"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	// IdempotencyKey lets the provider drop a resend of the same message.
	IdempotencyKey string
	Tags           map[string]string
}

// Mailer delivers messages and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// HTTPMailer posts messages as JSON to a transactional email API.
type HTTPMailer struct {
	Endpoint string
	APIKey   string
	From     string
	HTTP     *resilience.HTTPClient
}

type sendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send implements Mailer. 4xx answers are permanent; 429 and 5xx are retried
// by the underlying client.
func (m HTTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	if m.HTTP == nil || m.Endpoint == "" {
		return "", errors.New("notify: email api not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", resilience.Permanent(errors.New("notify: recipient is required"))
	}
	ctx, span := otel.Tracer("notify.HTTPMailer").Start(ctx, "HTTPMailer.Send")
	defer span.End()
	span.SetAttributes(attribute.String("email.subject", msg.Subject))

	body, err := json.Marshal(sendRequest{
		From:    m.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    msg.Tags,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "planbox-mailer/1.0")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	client := *m.HTTP
	client.FailOnClientError = true
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("notify: send email: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var out sendResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("notify: read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("notify: decode response: %w", err)
		}
	}
	if out.ID == "" {
		// accepted without an id; fall back to our own key
		out.ID = msg.IdempotencyKey
	}
	return out.ID, nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	Logger zerolog.Logger
}

// Send implements Mailer.
func (m LogMailer) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	m.Logger.Info().
		Str("message_id", id).
		Str("to", common.MaskEmail(msg.To)).
		Str("subject", msg.Subject).
		Msg("email not sent: no email api configured")
	return id, nil
}

// NewHTTPClient returns an instrumented client for outbound provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
