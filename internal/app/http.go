package app

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/planbox/internal/audit"
	"github.com/noah-isme/planbox/internal/auth"
	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/fraud"
	"github.com/noah-isme/planbox/internal/health"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/queue"
	"github.com/noah-isme/planbox/internal/ratelimit"
	"github.com/noah-isme/planbox/internal/security"
	"github.com/noah-isme/planbox/internal/sla"
	"github.com/noah-isme/planbox/internal/tickets"
)

// Handler returns the api router.
func (a *App) Handler() http.Handler {
	cfg := a.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.MetricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), a.Registry)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: a.Logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production", HSTSMaxAge: 31536000}.Middleware)

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	}
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{Probes: a.probes(), Timeout: 500 * time.Millisecond}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	limit := ratelimit.Handler{
		Limiter: a.RateLimiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("webhook:"),
			Window: cfg.Webhook.RateWindow,
			Max:    cfg.Webhook.RateLimit,
		},
		OnError: func(err error) {
			a.Logger.Warn().Err(err).Msg("webhook rate limiter unavailable")
		},
		OnLimited: a.Gateway.RateLimited,
	}
	r.With(limit.Middleware, security.BodyLimit{Max: cfg.Webhook.MaxBodyBytes}.Middleware).
		Post("/webhooks/payment", a.Gateway.ServeHTTP)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.CORS(cfg.CORSAllowedOrigins))
		(&fraud.Handler{Blacklist: a.Blacklist}).Routes(v)
	})

	operators := auth.Middleware{Operators: a.Operators, Logger: &a.Logger}
	idem := common.Idem{R: a.Infra.Redis, Prefix: cfg.Queue.RedisPrefix}
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(operators.RequireOperator)
		admin.Use(security.Headers{Enable: true, NoStore: true}.Middleware)
		admin.Use(onlyWrites(idem.Middleware))
		admin.Use(audit.Recorder{Logger: a.Logger.With().Str("component", "audit").Logger()}.Middleware)

		admin.Route("/tickets", (&tickets.Handler{Service: a.TicketService}).Routes)
		admin.Route("/deliveries", (&delivery.AdminHandler{Saga: a.Saga, Scheduler: a.Scheduler}).Routes)
		admin.Route("/sla", (&sla.Handler{Monitor: a.Monitor}).Routes)

		dlq := &queue.AdminHandler{
			Store:             a.DLQ,
			Queue:             a.Queue,
			Logger:            a.Logger,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}
		admin.Get("/queue/dlq", dlq.ListDLQ)
		admin.Post("/queue/dlq/replay", dlq.ReplayDLQ)
		admin.Get("/queue/stats", dlq.Stats)
	})
	return r
}

// Drain stops accepting webhooks and waits for inline events to finish.
func (a *App) Drain(ctx context.Context) error {
	health.SetReady(false)
	if a.Inline == nil {
		return nil
	}
	return a.Inline.Wait(ctx)
}

func (a *App) probes() map[string]health.Probe {
	probes := map[string]health.Probe{}
	if a.Infra.Pool != nil {
		probes["postgres"] = a.Infra.Pool.Ping
	}
	if a.Infra.Redis != nil {
		probes["redis"] = func(ctx context.Context) error {
			return a.Infra.Redis.Ping(ctx).Err()
		}
	}
	return probes
}

// onlyWrites applies mw to mutating requests.
func onlyWrites(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				guarded.ServeHTTP(w, r)
			}
		})
	}
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// protectPprof requires basic auth when user is set.
func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
