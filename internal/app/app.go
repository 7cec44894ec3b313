// Package app wires the planbox components from configuration. The api, the
// worker and the operator tools share this wiring so a component behaves the
// same in every process.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/auth"
	"github.com/noah-isme/planbox/internal/config"
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/fraud"
	"github.com/noah-isme/planbox/internal/generation"
	"github.com/noah-isme/planbox/internal/lock"
	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/payment"
	"github.com/noah-isme/planbox/internal/queue"
	"github.com/noah-isme/planbox/internal/ratelimit"
	"github.com/noah-isme/planbox/internal/render"
	"github.com/noah-isme/planbox/internal/resilience"
	"github.com/noah-isme/planbox/internal/sla"
	"github.com/noah-isme/planbox/internal/storage"
	"github.com/noah-isme/planbox/internal/tickets"
	"github.com/noah-isme/planbox/internal/webhook"
)

// App is the wired component graph.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Infra    Infra
	Registry *prometheus.Registry
	Metrics  *obs.DomainMetrics

	Queue  queue.Enqueuer
	DLQ    queue.Store
	Locker *lock.Locker

	Tickets       tickets.Opener
	TicketService *tickets.Service
	Saga          *delivery.Saga
	Scheduler     delivery.Scheduler
	Processor     *payment.Processor
	Analyzer      *fraud.Analyzer
	Blacklist     fraud.Blacklist
	Refunder      payment.Refunder
	Monitor       *sla.Monitor
	Alerts        notify.Alerter

	Router      webhook.Router
	Dispatcher  webhook.Dispatcher
	// Inline is set when events are processed in the api process.
	Inline      *webhook.InlineDispatcher
	Gateway     *webhook.Gateway
	RateLimiter ratelimit.Backend
	Operators   *auth.Operators
}

// Wire builds every component on top of infra.
func Wire(ctx context.Context, cfg *config.Config, infra Infra, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Infra: infra}
	a.Registry = infra.Registry
	if a.Registry == nil {
		a.Registry = NewRegistry()
	}
	if cfg.Obs.MetricsEnabled {
		a.Metrics = obs.NewDomainMetrics(cfg.Obs.MetricsNamespace, a.Registry)
		if err := resilience.RegisterMetrics(a.Registry); err != nil {
			return nil, fmt.Errorf("register breaker metrics: %w", err)
		}
		if err := queue.RegisterMetrics(a.Registry); err != nil {
			return nil, fmt.Errorf("register queue metrics: %w", err)
		}
	}

	a.Queue = queue.Enqueuer{
		R:           infra.Redis,
		Prefix:      cfg.Queue.RedisPrefix,
		DedupTTL:    cfg.Queue.DedupTTL,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	if infra.Pool != nil {
		a.DLQ = queue.NewStore(infra.Pool)
	}
	a.Locker = &lock.Locker{R: infra.Redis, Prefix: cfg.Queue.RedisPrefix}

	a.Tickets = tickets.Opener{
		Window:  cfg.Tickets.SLAWindow,
		Metrics: a.Metrics,
		Logger:  logger.With().Str("component", "tickets").Logger(),
	}
	a.TicketService = &tickets.Service{
		Store:           infra.Store,
		DefaultPageSize: cfg.Tickets.DefaultPageSize,
		MaxPageSize:     cfg.Tickets.MaxPageSize,
		Logger:          logger.With().Str("component", "tickets").Logger(),
	}

	objects, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	alerts := a.alerter()
	a.Alerts = alerts
	mailer := a.mailer()

	a.Saga = &delivery.Saga{
		Store:    infra.Store,
		Engine:   a.engine(),
		Renderer: render.PDFRenderer{Author: "Planbox"},
		Objects:  objects,
		Mailer:   mailer,
		Alerts:   alerts,
		Tickets:  a.Tickets,
		Config: delivery.Config{
			GenerateTimeout:   cfg.Saga.GenerateTimeout,
			RenderTimeout:     cfg.Saga.RenderTimeout,
			PersistTimeout:    cfg.Saga.PersistTimeout,
			NotifyTimeout:     cfg.Saga.NotifyTimeout,
			StructuralRetries: cfg.Saga.StructuralRetries,
			DomainRetries:     cfg.Saga.DomainRetries,
			TransientRetries:  cfg.Saga.TransientRetries,
			PersistAttempts:   cfg.Saga.PersistAttempts,
			NotifyAttempts:    cfg.Saga.NotifyAttempts,
			RetryBase:         cfg.Saga.RetryBase,
			LinkTTL:           cfg.Saga.LinkTTL,
			ObjectPrefix:      cfg.Storage.Prefix,
		},
		Metrics: a.Metrics,
		Logger:  logger.With().Str("component", "delivery").Logger(),
	}
	if cfg.Webhook.DispatchMode == "queue" {
		a.Scheduler = delivery.QueueScheduler{Queue: a.Queue}
	}

	a.Processor = &payment.Processor{
		Store:         infra.Store,
		Tickets:       a.Tickets,
		Saga:          a.Saga,
		Alerts:        alerts,
		PollAttempts:  cfg.Processor.PollAttempts,
		PollInterval:  cfg.Processor.PollInterval,
		OrderLookback: cfg.Processor.OrderLookback,
		StaleAfter:    cfg.Processor.StaleAfter,
		Metrics:       a.Metrics,
		Logger:        logger.With().Str("component", "payment").Logger(),
	}
	a.Analyzer = &fraud.Analyzer{
		Store:              infra.Store,
		Tickets:            a.Tickets,
		Window:             cfg.Fraud.RefundWindow,
		ReviewThreshold:    cfg.Fraud.ReviewThreshold,
		BlockThreshold:     cfg.Fraud.BlockThreshold,
		RefundBlockFor:     cfg.Fraud.RefundBlockFor,
		ChargebackBlockFor: cfg.Fraud.ChargebackBlockFor,
		Metrics:            a.Metrics,
		Logger:             logger.With().Str("component", "fraud").Logger(),
	}
	a.Blacklist = fraud.Blacklist{Store: infra.Store}

	a.Refunder = a.refunder()
	a.Monitor = &sla.Monitor{
		Store:         infra.Store,
		Refunder:      a.Refunder,
		Mailer:        mailer,
		Alerts:        alerts,
		Locker:        a.Locker,
		Interval:      cfg.SLA.Interval,
		Jitter:        cfg.SLA.Jitter,
		BatchSize:     cfg.SLA.BatchSize,
		RefundTimeout: cfg.SLA.RefundTimeout,
		EmailTimeout:  cfg.SLA.EmailTimeout,
		LockTTL:       cfg.SLA.LockTTL,
		Metrics:       a.Metrics,
		Logger:        logger.With().Str("component", "sla").Logger(),
	}

	a.Router = webhook.Router{Checkout: a.Processor, Refunds: a.Analyzer}
	if cfg.Webhook.DispatchMode == "queue" {
		a.Dispatcher = webhook.QueueDispatcher{Queue: a.Queue, MaxAttempts: cfg.Queue.MaxAttempts}
	} else {
		a.Inline = &webhook.InlineDispatcher{
			Route:   a.Router.Route,
			Timeout: cfg.Webhook.DispatchTimeout,
			Logger:  logger.With().Str("component", "dispatch").Logger(),
		}
		a.Dispatcher = a.Inline
	}
	a.Gateway = &webhook.Gateway{
		Verifier:   webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		Dispatcher: a.Dispatcher,
		Replay: webhook.ReplayGuard{
			Client: infra.Redis,
			Prefix: cfg.Queue.RedisPrefix + ":webhook:seen:",
			TTL:    2 * cfg.Webhook.Tolerance,
		},
		Metrics: a.Metrics,
		Logger:  logger.With().Str("component", "webhook").Logger(),
	}
	if a.RateLimiter, err = newRateLimiter(cfg, infra.Redis); err != nil {
		return nil, err
	}

	a.Operators, err = auth.NewOperators(auth.Config{
		Secret:    cfg.Operator.JWTSecret,
		Issuer:    cfg.Operator.JWTIssuer,
		Audience:  cfg.Operator.JWTAudience,
		Role:      cfg.Operator.Role,
		ClockSkew: cfg.Operator.ClockSkew,
		APIKeys:   cfg.Operator.APIKeyHashes,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRateLimiter(cfg *config.Config, client *redis.Client) (ratelimit.Backend, error) {
	prefix := cfg.Queue.RedisPrefix + ":ratelimit"
	if cfg.Webhook.RateStrategy == "sliding" {
		return ratelimit.Limiter{Client: client, Prefix: prefix + ":sliding:"}, nil
	}
	limiter, err := ratelimit.NewCounterLimiter(client, prefix)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}
	return limiter, nil
}

// outbound builds a retrying, breaker guarded client for one provider.
func (a *App) outbound(target string) *resilience.HTTPClient {
	o := a.Config.Outbound
	return &resilience.HTTPClient{
		Client: notify.NewHTTPClient(o.Timeout),
		Breaker: resilience.NewBreaker(o.BreakerMinRequests, o.BreakerFailureRatio, o.BreakerOpenFor).
			WithTarget(target).
			WithLogger(a.Logger),
		BaseBackoff:       o.RetryBase,
		MaxAttempts:       o.RetryMaxAttempts,
		Jitter:            o.RetryJitter,
		Timeout:           o.Timeout,
		FailOnClientError: true,
	}
}

func (a *App) objectStore(ctx context.Context) (storage.Store, error) {
	s := a.Config.Storage
	if s.Bucket == "" {
		a.Logger.Warn().Msg("S3_BUCKET not set: artifacts are kept in memory")
		return storage.NewMemoryStore(strings.TrimRight(a.Config.PublicBaseURL, "/") + "/artifacts"), nil
	}
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:       s.Bucket,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		UsePathStyle: s.UsePathStyle,
		HTTPClient:   notify.NewHTTPClient(a.Config.Saga.PersistTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	return store, nil
}

func (a *App) engine() generation.Engine {
	g := a.Config.Generation
	if g.APIKey == "" {
		a.Logger.Warn().Msg("OPENAI_API_KEY not set: plans come from the sample engine")
		return generation.SampleEngine{}
	}
	return generation.NewOpenAIEngine(generation.OpenAIConfig{
		APIKey:      g.APIKey,
		BaseURL:     g.BaseURL,
		Model:       g.Model,
		Temperature: g.Temperature,
		HTTPClient:  notify.NewHTTPClient(a.Config.Saga.GenerateTimeout),
	})
}

func (a *App) mailer() notify.Mailer {
	e := a.Config.Email
	if e.APIURL == "" {
		return notify.LogMailer{Logger: a.Logger.With().Str("component", "mailer").Logger()}
	}
	return notify.HTTPMailer{Endpoint: e.APIURL, APIKey: e.APIKey, From: e.From, HTTP: a.outbound("email")}
}

func (a *App) alerter() notify.Alerter {
	logAlerts := notify.LogAlerter{Logger: a.Logger.With().Str("component", "alerts").Logger()}
	s := a.Config.Alerts
	if s.SlackWebhookURL == "" {
		return logAlerts
	}
	return notify.Fanout{
		logAlerts,
		notify.SlackAlerter{
			WebhookURL: s.SlackWebhookURL,
			Channel:    s.SlackChannel,
			Username:   s.SlackUsername,
			HTTP:       a.outbound("slack"),
		},
	}
}

func (a *App) refunder() payment.Refunder {
	r := a.Config.Refunds
	if r.StripeSecretKey == "" {
		a.Logger.Warn().Msg("STRIPE_SECRET_KEY not set: SLA breaches are escalated without refunds")
		return payment.DisabledRefunder{}
	}
	return payment.NewStripeRefunder(payment.StripeConfig{
		SecretKey:  r.StripeSecretKey,
		BaseURL:    r.StripeBaseURL,
		HTTPClient: notify.NewHTTPClient(a.Config.SLA.RefundTimeout),
		Methods:    r.Methods,
	})
}

// Worker builds a queue worker for kind running handler.
func (a *App) Worker(kind string, handler func(context.Context, queue.Task) error) queue.Worker {
	q := a.Config.Queue
	logger := a.Logger.With().Str("kind", kind).Logger()
	return queue.Worker{
		R:                 a.Infra.Redis,
		Prefix:            q.RedisPrefix,
		Kind:              kind,
		Concurrency:       q.Concurrency,
		VisibilityTimeout: q.VisibilityTimeout,
		SoftDeadline:      q.SoftDeadline,
		HeartbeatInterval: q.HeartbeatInterval,
		RetryBase:         q.RetryBase,
		RetryJitter:       q.RetryJitter,
		Store:             a.DLQ,
		Logger:            &logger,
		Handler:           handler,
		OnDeadLetter: func(ctx context.Context, t queue.Task, err error) {
			alert := notify.Alert{
				Severity: notify.SeverityCritical,
				Title:    "queue task dead-lettered",
				Fields:   map[string]string{"kind": t.Kind, "error": err.Error()},
			}
			if alertErr := a.Alerts.Alert(ctx, alert); alertErr != nil {
				logger.Error().Err(alertErr).Msg("dead letter alert failed")
			}
		},
	}
}
