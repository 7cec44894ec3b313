package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/queue"
)

func TestDLQReplay(t *testing.T) {
	client := newRedis(t)

	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		PageSize:          10,
		VisibilityTimeout: 60 * time.Second,
	}

	raw, err := json.Marshal(struct {
		Kind        string `json:"kind"`
		Key         string `json:"key"`
		Payload     []byte `json:"payload"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"max_attempts"`
		AvailableAt int64  `json:"available_at"`
	}{
		Kind:        "payment-event",
		Key:         "dlq1",
		Payload:     []byte("payload"),
		Attempt:     2,
		MaxAttempts: 3,
		AvailableAt: time.Now().UnixNano(),
	})
	require.NoError(t, err)

	entry := queue.DLQEntry{
		Kind:           "payment-event",
		IdempotencyKey: "dlq1",
		Payload:        raw,
		Attempts:       2,
		CreatedAt:      time.Now(),
	}
	id, err := store.InsertQueueDlq(context.Background(), entry)
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"ids":["` + id.String() + `"]}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ReplayDLQ(rr, req)

	res := rr.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer func() { _ = res.Body.Close() }()

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	require.Contains(t, resp.Replayed, id.String())
	require.Empty(t, resp.Failed)

	depth, err := client.ZCard(context.Background(), "adm:queue:payment-event").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	_, err = store.GetQueueDlq(context.Background(), id)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestDLQListAndStats(t *testing.T) {
	client := newRedis(t)

	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "adm"}
	handler := queue.AdminHandler{Store: store, Queue: enq, PageSize: 10}

	raw, err := json.Marshal(map[string]any{"kind": "delivery-retry", "key": "k1", "payload": []byte("{}"), "attempt": 3, "max_attempts": 3})
	require.NoError(t, err)
	lastErr := "render failed"
	_, err = store.InsertQueueDlq(context.Background(), queue.DLQEntry{Kind: "delivery-retry", IdempotencyKey: "k1", Payload: raw, Attempts: 3, LastError: &lastErr})
	require.NoError(t, err)
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "delivery-retry", Payload: []byte("{}"), IdempotencyKey: "k2"}))

	rr := httptest.NewRecorder()
	handler.ListDLQ(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind=delivery-retry", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Data []struct {
			IdempotencyKey string `json:"idempotency_key"`
			LastError      string `json:"last_error"`
		} `json:"data"`
		Pagination struct {
			TotalItems int `json:"total_items"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, "k1", list.Data[0].IdempotencyKey)
	require.Equal(t, "render failed", list.Data[0].LastError)
	require.Equal(t, 1, list.Pagination.TotalItems)

	rr = httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/stats?kind=delivery-retry", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats["ready"])
	require.EqualValues(t, 1, stats["dlq"])

	rr = httptest.NewRecorder()
	handler.ReplayDLQ(rr, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
