package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/planbox/internal/app"
	"github.com/noah-isme/planbox/internal/config"
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, "planbox-worker").With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "planbox-worker",
			Endpoint:      cfg.Obs.TracingEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	infra, err := app.Connect(connectCtx, cfg, "planbox-worker", logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect dependencies")
	}
	defer infra.Close(logger)

	a, err := app.Wire(ctx, cfg, *infra, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("wire components")
	}

	events := a.Worker(webhook.EventKind, webhook.EventHandler(a.Router))
	retries := a.Worker(delivery.RetryKind, delivery.RetryHandler(a.Saga, a.Locker, cfg.Queue.VisibilityTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return retries.Run(gctx) })
	g.Go(func() error { return a.Monitor.Run(gctx) })

	logger.Info().Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}
