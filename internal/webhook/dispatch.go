package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/queue"
	"github.com/noah-isme/planbox/internal/resilience"
)

// EventKind is the queue kind for accepted provider events.
const EventKind = "payment-event"

// Dispatcher hands an accepted event to background processing. It must not
// wait for the event to be processed.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// InlineDispatcher processes events in goroutines of the API process.
type InlineDispatcher struct {
	Route func(context.Context, Event) error
	// Timeout bounds one event; zero leaves it unbounded.
	Timeout time.Duration
	Logger  zerolog.Logger

	wg sync.WaitGroup
}

// Dispatch starts processing ev detached from the request context.
func (d *InlineDispatcher) Dispatch(ctx context.Context, ev Event) error {
	if d.Route == nil {
		return errors.New("webhook: inline dispatcher has no route")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bg, cancel := withTimeout(context.WithoutCancel(ctx), d.Timeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				d.Logger.Error().Str("event_id", ev.ID).Interface("panic", rec).Msg("webhook event handler panicked")
			}
		}()
		start := time.Now()
		if err := d.Route(bg, ev); err != nil {
			d.Logger.Error().Err(err).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Bool("permanent", resilience.IsPermanent(err)).
				Msg("webhook event processing failed")
			return
		}
		d.Logger.Debug().Str("event_id", ev.ID).Str("event_type", ev.Type).Dur("took", time.Since(start)).Msg("webhook event processed")
	}()
	return nil
}

// Wait blocks until every dispatched event finished or ctx is done.
func (d *InlineDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// QueueDispatcher publishes events to the redis queue consumed by the worker.
type QueueDispatcher struct {
	Queue       queue.Enqueuer
	MaxAttempts int
}

// Dispatch enqueues ev keyed by its id so provider retries collapse.
func (d QueueDispatcher) Dispatch(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := d.Queue.Enqueue(ctx, queue.Task{
		Kind:           EventKind,
		Payload:        payload,
		IdempotencyKey: "event:" + ev.ID,
		MaxAttempts:    d.MaxAttempts,
	}); err != nil {
		return fmt.Errorf("webhook: enqueue %s: %w", ev.ID, err)
	}
	return nil
}

// EventHandler returns the worker handler for EventKind tasks.
func EventHandler(router Router) func(context.Context, queue.Task) error {
	return func(ctx context.Context, t queue.Task) error {
		var ev Event
		if err := json.Unmarshal(t.Payload, &ev); err != nil {
			return resilience.Permanent(fmt.Errorf("webhook: decode queued event: %w", err))
		}
		return router.Route(ctx, ev)
	}
}
