// Package audit records operator actions on the admin API.
package audit

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/obs"
)

// Recorder writes one audit entry per mutating admin request after it has
// been handled.
type Recorder struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

// Middleware records POST, PUT, PATCH and DELETE requests. It must run after
// the operator has been authenticated.
func (rec Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		recorder := obs.NewStatusRecorder(w)
		next.ServeHTTP(recorder, r)

		operator, ok := common.Operator(r.Context())
		if !ok {
			operator = "unknown"
		}
		evt := rec.Logger.Info().
			Str("log_type", "audit").
			Str("operator", operator).
			Str("method", r.Method).
			Str("route", route(r)).
			Str("path", r.URL.Path).
			Int("status", recorder.Status()).
			Bool("succeeded", recorder.Status() < http.StatusBadRequest).
			Time("at", rec.now())
		if rc := chi.RouteContext(r.Context()); rc != nil {
			params := zerolog.Dict()
			for i, key := range rc.URLParams.Keys {
				if key == "*" {
					continue
				}
				params = params.Str(key, rc.URLParams.Values[i])
			}
			evt = evt.Dict("params", params)
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			evt = evt.Str("idempotency_key", key)
		}
		evt.Msg("operator action")
	})
}

func route(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (rec Recorder) now() time.Time {
	if rec.Now != nil {
		return rec.Now().UTC()
	}
	return time.Now().UTC()
}
