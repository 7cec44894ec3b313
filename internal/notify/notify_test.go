package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/resilience"
)

func client(srv *httptest.Server) *resilience.HTTPClient {
	return &resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond, Timeout: time.Second}
}

func TestHTTPMailerSendsMessage(t *testing.T) {
	var got struct {
		From    string            `json:"from"`
		To      []string          `json:"to"`
		Subject string            `json:"subject"`
		Tags    map[string]string `json:"tags"`
	}
	var idem, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"msg_123"}`))
	}))
	t.Cleanup(srv.Close)

	msg, err := notify.DeliveryEmail("ana@example.com", "pi_1", "https://cdn.example/plan.pdf", time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Contains(t, msg.HTML, "https://cdn.example/plan.pdf")
	require.Contains(t, msg.Text, "8 Mar 2026")

	mailer := notify.HTTPMailer{Endpoint: srv.URL, APIKey: "key", From: "Planbox <plans@planbox.local>", HTTP: client(srv)}
	id, err := mailer.Send(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "msg_123", id)
	require.Equal(t, "delivery-pi_1", idem)
	require.Equal(t, "Bearer key", auth)
	require.Equal(t, []string{"ana@example.com"}, got.To)
	require.Equal(t, "Your meal plan is ready", got.Subject)
	require.Equal(t, "pi_1", got.Tags["payment_id"])
}

func TestHTTPMailerRetriesThenFailsPermanentlyOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "invalid recipient", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	mailer := notify.HTTPMailer{Endpoint: srv.URL, HTTP: client(srv)}
	_, err := mailer.Send(context.Background(), notify.Message{To: "x@example.com", Subject: "s"})
	require.Error(t, err)
	require.True(t, resilience.IsPermanent(err))
	require.EqualValues(t, 2, calls.Load())
}

func TestHTTPMailerRequiresRecipient(t *testing.T) {
	mailer := notify.HTTPMailer{Endpoint: "http://127.0.0.1:1", HTTP: &resilience.HTTPClient{Client: http.DefaultClient}}
	_, err := mailer.Send(context.Background(), notify.Message{Subject: "s"})
	require.True(t, resilience.IsPermanent(err))
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	id, err := notify.LogMailer{Logger: zerolog.New(&buf)}.Send(context.Background(), notify.Message{To: "ana@example.com", Subject: "hello"})
	require.NoError(t, err)
	require.Contains(t, id, "log-")
	require.Contains(t, buf.String(), "a***@example.com")
	require.NotContains(t, buf.String(), "ana@example.com")
}

func TestRefundEmailFormatsAmount(t *testing.T) {
	msg, err := notify.RefundEmail("ana@example.com", "pi_9", 1999, "eur")
	require.NoError(t, err)
	require.Contains(t, msg.HTML, "19.99 EUR")
	require.Equal(t, "refund-pi_9", msg.IdempotencyKey)
	require.Equal(t, "0.05 USD", notify.FormatAmount(5, "usd"))
}

func TestSlackAlerterPostsPayload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	alerter := notify.SlackAlerter{WebhookURL: srv.URL, Channel: "#ops", Username: "planbox", HTTP: client(srv)}
	err := alerter.Alert(context.Background(), notify.Alert{
		Severity: notify.SeverityCritical,
		Title:    "manual refund required",
		Fields:   map[string]string{"payment_id": "pi_1", "method": "bank_transfer"},
	})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "#ops", payload["channel"])
	require.Equal(t, "[CRITICAL] manual refund required", payload["text"])
	attachments := payload["attachments"].([]any)
	require.Equal(t, "danger", attachments[0].(map[string]any)["color"])
	require.Len(t, attachments[0].(map[string]any)["fields"], 2)
}

type failingAlerter struct{ err error }

func (f failingAlerter) Alert(context.Context, notify.Alert) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("slack down")
	fan := notify.Fanout{notify.LogAlerter{Logger: zerolog.New(&buf)}, failingAlerter{err: boom}, nil}
	err := fan.Alert(context.Background(), notify.Alert{Severity: notify.SeverityWarning, Title: "notify failed", Fields: map[string]string{"payment_id": "pi_2"}})
	require.ErrorIs(t, err, boom)
	require.Contains(t, buf.String(), `"payment_id":"pi_2"`)
	require.Contains(t, buf.String(), `"log_type":"alert"`)
}
