package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/lock"
	"github.com/noah-isme/planbox/internal/queue"
	"github.com/noah-isme/planbox/internal/resilience"
)

type stubScheduler struct {
	calls []string
}

func (s *stubScheduler) ScheduleRetry(_ context.Context, paymentID, requestedBy string) (bool, error) {
	s.calls = append(s.calls, paymentID+"/"+requestedBy)
	return true, nil
}

func adminRouter(h *delivery.AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), "ops@planbox.test")))
		})
	})
	r.Route("/admin/deliveries", h.Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminGetDelivery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.saga.Start(context.Background(), f.payment, f.order))
	h := adminRouter(&delivery.AdminHandler{Saga: f.saga})

	rec := do(t, h, http.MethodGet, "/admin/deliveries/pi_123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job db.DeliveryJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, db.JobStatusCompleted, job.Status)

	rec = do(t, h, http.MethodGet, "/admin/deliveries/pi_missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRetryRunsInline(t *testing.T) {
	f := newFixture(t, offTargetPlan())
	err := f.saga.Start(context.Background(), f.payment, f.order)
	require.Error(t, err)
	h := adminRouter(&delivery.AdminHandler{Saga: f.saga})

	// still failing: the handler reports the job instead of a 500
	rec := do(t, h, http.MethodPost, "/admin/deliveries/pi_123/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"failed"`)
	require.Contains(t, rec.Body.String(), `"error":`)

	f.engine.script = append(f.engine.script, goodPlan())
	f.engine.calls = len(f.engine.script) - 1
	rec = do(t, h, http.MethodPost, "/admin/deliveries/pi_123/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	f.store.PutJob(db.DeliveryJob{PaymentID: "pi_refunded", Email: "x@example.com", Status: db.JobStatusRefunded})
	rec = do(t, h, http.MethodPost, "/admin/deliveries/pi_refunded/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminRetrySchedules(t *testing.T) {
	f := newFixture(t, offTargetPlan())
	require.Error(t, f.saga.Start(context.Background(), f.payment, f.order))
	sched := &stubScheduler{}
	h := adminRouter(&delivery.AdminHandler{Saga: f.saga, Scheduler: sched})

	rec := do(t, h, http.MethodPost, "/admin/deliveries/pi_123/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"pi_123/ops@planbox.test"}, sched.calls)

	rec = do(t, h, http.MethodPost, "/admin/deliveries/pi_missing/retry", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, sched.calls, 1)
}

func TestAdminRollback(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.saga.Start(context.Background(), f.payment, f.order))
	h := adminRouter(&delivery.AdminHandler{Saga: f.saga})

	rec := do(t, h, http.MethodPost, "/admin/deliveries/pi_123/rollback", `{"reason":"customer asked for vegan"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, f.objects.Len())
	j := f.job(t)
	require.Equal(t, db.JobStatusFailed, j.Status)
	require.Equal(t, "customer asked for vegan (by ops@planbox.test)", *j.LastError)

	rec = do(t, h, http.MethodPost, "/admin/deliveries/pi_123/rollback", `{"reason":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRollbackRefusesRefundedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))
	_, err := f.store.RecordJobRefund(ctx, db.RecordJobRefundParams{PaymentID: "pi_123", Increment: 1})
	require.NoError(t, err)
	h := adminRouter(&delivery.AdminHandler{Saga: f.saga})

	rec := do(t, h, http.MethodPost, "/admin/deliveries/pi_123/rollback", `{"reason":"resend"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, db.JobStatusRefunded, f.job(t).Status)
	require.Equal(t, 1, f.objects.Len())
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestQueueSchedulerCollapsesRequests(t *testing.T) {
	client, _ := newRedis(t)
	now := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	s := delivery.QueueScheduler{
		Queue: queue.Enqueuer{R: client, Prefix: "test", DedupTTL: time.Hour},
		Now:   func() time.Time { return now },
	}
	ctx := context.Background()

	queued, err := s.ScheduleRetry(ctx, "pi_123", "ops")
	require.NoError(t, err)
	require.True(t, queued)

	queued, err = s.ScheduleRetry(ctx, "pi_123", "ops")
	require.NoError(t, err)
	require.False(t, queued)

	now = now.Add(time.Minute)
	queued, err = s.ScheduleRetry(ctx, "pi_123", "ops")
	require.NoError(t, err)
	require.True(t, queued)
}

func TestRetryHandlerResumesJob(t *testing.T) {
	f := newFixture(t, offTargetPlan(), offTargetPlan(), offTargetPlan(), goodPlan())
	require.Error(t, f.saga.Start(context.Background(), f.payment, f.order))
	client, _ := newRedis(t)
	locker := &lock.Locker{R: client, Prefix: "lock:"}
	handle := delivery.RetryHandler(f.saga, locker, time.Minute)

	payload, _ := json.Marshal(delivery.RetryTask{PaymentID: "pi_123", RequestedBy: "ops"})
	require.NoError(t, handle(context.Background(), queue.Task{Kind: delivery.RetryKind, Payload: payload}))
	require.Equal(t, db.JobStatusCompleted, f.job(t).Status)

	payload, _ = json.Marshal(delivery.RetryTask{PaymentID: "pi_missing"})
	err := handle(context.Background(), queue.Task{Kind: delivery.RetryKind, Payload: payload})
	require.True(t, resilience.IsPermanent(err))

	err = handle(context.Background(), queue.Task{Kind: delivery.RetryKind, Payload: []byte(`{}`)})
	require.True(t, resilience.IsPermanent(err))
}

func TestRetryHandlerDropsReversedPayment(t *testing.T) {
	f := newFixture(t, offTargetPlan())
	ctx := context.Background()
	require.Error(t, f.saga.Start(ctx, f.payment, f.order))
	_, _, err := f.store.TransitionPaymentStatus(ctx, db.TransitionPaymentStatusParams{ExternalPaymentID: "pi_123", Status: db.PaymentStatusRefunded})
	require.NoError(t, err)
	client, _ := newRedis(t)
	handle := delivery.RetryHandler(f.saga, &lock.Locker{R: client, Prefix: "lock:"}, time.Minute)

	payload, _ := json.Marshal(delivery.RetryTask{PaymentID: "pi_123", RequestedBy: "ops"})
	err = handle(ctx, queue.Task{Kind: delivery.RetryKind, Payload: payload})
	require.ErrorIs(t, err, delivery.ErrPaymentReversed)
	require.True(t, resilience.IsPermanent(err))
	require.Equal(t, db.JobStatusFailed, f.job(t).Status)
}

func TestRetryHandlerRequeuesWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	client, _ := newRedis(t)
	require.NoError(t, client.Set(context.Background(), "lock:delivery:pi_123", "other", time.Minute).Err())
	handle := delivery.RetryHandler(f.saga, &lock.Locker{R: client, Prefix: "lock:"}, time.Minute)

	payload, _ := json.Marshal(delivery.RetryTask{PaymentID: "pi_123"})
	err := handle(context.Background(), queue.Task{Kind: delivery.RetryKind, Payload: payload})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, resilience.IsPermanent(err))
}
