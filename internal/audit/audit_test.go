package audit_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/audit"
	"github.com/noah-isme/planbox/internal/common"
)

func router(logs *bytes.Buffer) http.Handler {
	rec := audit.Recorder{
		Logger: zerolog.New(logs),
		Now:    func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) },
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(common.WithOperator(req.Context(), "ops")))
		})
	})
	r.Use(rec.Middleware)
	r.Get("/deliveries/{paymentID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/deliveries/{paymentID}/rollback", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return r
}

func TestRecorderLogsMutations(t *testing.T) {
	var logs bytes.Buffer
	h := router(&logs)

	req := httptest.NewRequest(http.MethodPost, "/deliveries/pi_1/rollback", nil)
	req.Header.Set("Idempotency-Key", "k1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	require.Equal(t, "audit", entry["log_type"])
	require.Equal(t, "ops", entry["operator"])
	require.Equal(t, "/deliveries/{paymentID}/rollback", entry["route"])
	require.Equal(t, float64(http.StatusConflict), entry["status"])
	require.Equal(t, false, entry["succeeded"])
	require.Equal(t, "k1", entry["idempotency_key"])
	require.Equal(t, map[string]any{"paymentID": "pi_1"}, entry["params"])
	require.Equal(t, "2026-03-02T12:00:00Z", entry["at"])
}

func TestRecorderSkipsReads(t *testing.T) {
	var logs bytes.Buffer
	router(&logs).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/deliveries/pi_1", nil))
	require.Zero(t, logs.Len())
}
