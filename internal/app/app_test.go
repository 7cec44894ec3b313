package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/app"
	"github.com/noah-isme/planbox/internal/auth"
	"github.com/noah-isme/planbox/internal/config"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/db/dbtest"
	"github.com/noah-isme/planbox/internal/generation"
	"github.com/noah-isme/planbox/internal/health"
	"github.com/noah-isme/planbox/internal/payment"
	"github.com/noah-isme/planbox/internal/webhook"
)

const operatorKey = "pbx_test_operator_key"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := auth.HashAPIKey(operatorKey)
	require.NoError(t, err)
	return &config.Config{
		AppEnv:        "test",
		PublicBaseURL: "https://planbox.test",
		Obs: config.ObsConfig{
			MetricsEnabled:   true,
			MetricsNamespace: "planbox",
		},
		Webhook: config.WebhookConfig{
			Secret:          "whsec_app",
			Tolerance:       5 * time.Minute,
			MaxBodyBytes:    1 << 20,
			RateLimit:       10,
			RateWindow:      time.Minute,
			RateStrategy:    "counter",
			DispatchMode:    "inline",
			DispatchTimeout: 30 * time.Second,
		},
		Processor: config.ProcessorConfig{PollAttempts: 2, PollInterval: 10 * time.Millisecond, OrderLookback: time.Hour},
		Saga: config.SagaConfig{
			StructuralRetries: 1,
			DomainRetries:     2,
			TransientRetries:  1,
			PersistAttempts:   3,
			NotifyAttempts:    2,
			RetryBase:         time.Millisecond,
			LinkTTL:           time.Hour,
		},
		Tickets: config.TicketsConfig{SLAWindow: 4 * time.Hour, DefaultPageSize: 20, MaxPageSize: 100},
		SLA:     config.SLAConfig{Interval: time.Minute, BatchSize: 10, LockTTL: time.Minute},
		Fraud: config.FraudConfig{
			RefundWindow:       90 * 24 * time.Hour,
			ReviewThreshold:    2,
			BlockThreshold:     3,
			RefundBlockFor:     30 * 24 * time.Hour,
			ChargebackBlockFor: 90 * 24 * time.Hour,
		},
		Queue:    config.QueueConfig{RedisPrefix: "planbox", MaxAttempts: 5, DedupTTL: time.Hour},
		Storage:  config.StorageConfig{Prefix: "plans"},
		Operator: config.OperatorConfig{APIKeyHashes: []string{"ops:" + hash}},
	}
}

func wire(t *testing.T, cfg *config.Config) (*app.App, *dbtest.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := dbtest.NewMemory()
	a, err := app.Wire(context.Background(), cfg, app.Infra{Store: store, Redis: client, Registry: app.NewRegistry()}, zerolog.Nop())
	require.NoError(t, err)
	return a, store
}

func TestWireSelectsFallbacksWithoutProviders(t *testing.T) {
	a, _ := wire(t, testConfig(t))

	require.IsType(t, generation.SampleEngine{}, a.Saga.Engine)
	require.IsType(t, payment.DisabledRefunder{}, a.Refunder)
	require.NotNil(t, a.Inline)
	require.Same(t, a.Inline, a.Dispatcher)
	require.Nil(t, a.Scheduler)
	require.Equal(t, 10*time.Minute, a.Gateway.Replay.TTL)
	require.Equal(t, 4*time.Hour, a.Tickets.Window)
}

func TestWireQueueMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.DispatchMode = "queue"
	cfg.Webhook.RateStrategy = "sliding"
	a, _ := wire(t, cfg)

	require.Nil(t, a.Inline)
	require.IsType(t, webhook.QueueDispatcher{}, a.Dispatcher)
	require.NotNil(t, a.Scheduler)
}

func TestWireRejectsBadOperatorKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Operator.APIKeyHashes = []string{"not-a-hash"}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := app.Wire(context.Background(), cfg, app.Infra{Store: dbtest.NewMemory(), Redis: client}, zerolog.Nop())
	require.Error(t, err)
}

func TestPaidCheckoutIsDeliveredEndToEnd(t *testing.T) {
	a, store := wire(t, testConfig(t))
	_, err := store.InsertOrder(context.Background(), db.InsertOrderParams{
		Reference:  "quiz-1",
		Email:      "ana@example.com",
		Parameters: json.RawMessage(`{"goal":"maintain","daily_calories":2000,"days":2,"meals_per_day":3}`),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"id":"evt_app_1","event_type":"checkout.session.completed","data":{"payment_id":"pi_app_1","amount":1999,"currency":"EUR","email":"ana@example.com","payment_method":"card","client_reference":"quiz-1"}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/payment", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte("whsec_app"), time.Now(), []byte(body)))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Inline.Wait(ctx))

	job, err := store.GetDeliveryJob(context.Background(), "pi_app_1")
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, job.Status)
	require.Empty(t, store.Tickets())

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var metrics strings.Builder
	_, err = metrics.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, metrics.String(), `planbox_webhook_events_total{event_type="checkout.session.completed",result="accepted"} 1`)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	a, _ := wire(t, testConfig(t))
	h := a.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/tickets", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/tickets", nil)
	req.Header.Set(auth.APIKeyHeader, operatorKey)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestPublicRoutes(t *testing.T) {
	a, _ := wire(t, testConfig(t))
	h := a.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/eligibility?email=ana@example.com", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"eligible":true,"blocked_until":null}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	health.SetReady(true)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestDrainMarksNotReady(t *testing.T) {
	a, _ := wire(t, testConfig(t))
	defer health.SetReady(true)

	require.NoError(t, a.Drain(context.Background()))
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
