// Package queue is a small redis backed task queue with delayed retries,
// a visibility timeout and a postgres dead letter table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/resilience"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is 1 on first delivery. On enqueue it seeds the counter for replays.
	Attempt int
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// ErrDuplicate is returned when a task with the same idempotency key is already queued.
var ErrDuplicate = errors.New("queue: duplicate task")

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once within the configured deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	err := e.enqueue(ctx, t)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// EnqueueUnique behaves like Enqueue but reports ErrDuplicate.
func (e Enqueuer) EnqueueUnique(ctx context.Context, t Task) error {
	return e.enqueue(ctx, t)
}

func (e Enqueuer) enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}

	k := keys{prefix: e.Prefix, kind: kind}
	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrDuplicate
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call. Defaults to VisibilityTimeout.
	SoftDeadline      time.Duration
	HeartbeatInterval time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	Store             Store
	Logger            *zerolog.Logger
	// OnDeadLetter runs after a task exhausted its attempts and was parked.
	OnDeadLetter func(ctx context.Context, t Task, err error)
}

// Run starts processing tasks until the context is cancelled. Active tasks are
// tracked in a processing set to enable redelivery when workers crash.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.visibility()
	k := keys{prefix: w.Prefix, kind: kind}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	requeueTicker := time.NewTicker(minDuration(visibility/2, time.Second))
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, k); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, k.ready(), 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, redis.Nil) {
				_ = resilience.Sleep(ctx, 100*time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			_ = resilience.Sleep(ctx, 50*time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.logger().Warn().Err(err).Str("kind", kind).Msg("dropping undecodable task")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet
			w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: member})
			_ = resilience.Sleep(ctx, minDuration(time.Duration(msg.AvailableAt-now), 200*time.Millisecond))
			continue
		}

		msg.Attempt++
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(encoded)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, k.processing(), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// give the task back untouched
			msg.Attempt--
			w.requeue(context.WithoutCancel(ctx), k, raw, msg, 0)
			continue
		}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, k, raw, m)
		}(raw, msg)
	}
}

func (w Worker) process(ctx context.Context, k keys, raw string, m taskMessage) {
	jobCtx, cancel := context.WithTimeout(ctx, w.softDeadline())
	defer cancel()
	// bookkeeping must survive handler deadlines and shutdown
	bg := context.WithoutCancel(ctx)

	stop := w.heartbeat(jobCtx, bg, k, raw)
	task := Task{Kind: k.kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt}
	err := w.Handler(jobCtx, task)
	stop()

	if err == nil {
		w.ack(bg, k, raw, m)
		processedTotal(k.kind, "succeeded")
		return
	}
	log := w.logger()
	if resilience.IsPermanent(err) || (m.MaxAttempts > 0 && m.Attempt >= m.MaxAttempts) {
		w.deadLetter(bg, k, raw, m, err)
		processedTotal(k.kind, "dead_lettered")
		log.Error().Err(err).Str("kind", k.kind).Str("key", m.Key).Int("attempt", m.Attempt).Msg("task dead lettered")
		if w.OnDeadLetter != nil {
			w.OnDeadLetter(bg, task, err)
		}
		return
	}
	delay := resilience.Backoff(w.retryBase(), m.Attempt, w.RetryJitter)
	w.requeue(bg, k, raw, m, delay)
	processedTotal(k.kind, "retried")
	log.Warn().Err(err).Str("kind", k.kind).Str("key", m.Key).Int("attempt", m.Attempt).Dur("retry_in", delay).Msg("task failed")
}

// heartbeat pushes the visibility deadline forward while the handler runs so
// long jobs are not redelivered to a second worker.
func (w Worker) heartbeat(jobCtx, bg context.Context, k keys, raw string) func() {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-jobCtx.Done():
				return
			case <-t.C:
				deadline := time.Now().Add(w.visibility()).UnixNano()
				_ = w.R.ZAddXX(bg, k.processing(), redis.Z{Score: float64(deadline), Member: raw}).Err()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w Worker) requeue(ctx context.Context, k keys, raw string, msg taskMessage, delay time.Duration) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
}

func (w Worker) deadLetter(ctx context.Context, k keys, raw string, msg taskMessage, cause error) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if w.Store != nil {
		lastErr := cause.Error()
		_, err = w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        encoded,
			Attempts:       msg.Attempt,
			LastError:      &lastErr,
		})
		if err == nil {
			refreshDLQSize(ctx, w.Store, msg.Kind)
			return
		}
		w.logger().Error().Err(err).Str("kind", msg.Kind).Msg("dlq insert failed, falling back to redis list")
	}
	_ = w.R.LPush(ctx, k.dlq(), encoded).Err()
}

func (w Worker) ack(ctx context.Context, k keys, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
	}
}

func (w Worker) requeueExpired(ctx context.Context, k keys) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	due, err := w.R.ZRangeByScore(ctx, k.processing(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			_ = w.R.ZRem(ctx, k.processing(), raw).Err()
			continue
		}
		removed, err := w.R.ZRem(ctx, k.processing(), raw).Result()
		if err != nil || removed == 0 {
			// another worker got there first
			continue
		}
		w.logger().Warn().Str("kind", k.kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("visibility timeout expired, redelivering")
		w.requeue(ctx, k, raw, msg, 0)
	}
	return nil
}

func (w Worker) visibility() time.Duration {
	if w.VisibilityTimeout <= 0 {
		return 30 * time.Second
	}
	return w.VisibilityTimeout
}

func (w Worker) softDeadline() time.Duration {
	if w.SoftDeadline <= 0 || w.SoftDeadline > w.visibility() {
		return w.visibility()
	}
	return w.SoftDeadline
}

func (w Worker) retryBase() time.Duration {
	if w.RetryBase <= 0 {
		return 200 * time.Millisecond
	}
	return w.RetryBase
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return w.Logger
}

type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix
}

func (k keys) ready() string      { return fmt.Sprintf("%s:queue:%s", k.base(), k.kind) }
func (k keys) processing() string { return fmt.Sprintf("%s:%s:processing", k.base(), k.kind) }
func (k keys) dlq() string        { return fmt.Sprintf("%s:%s:dlq", k.base(), k.kind) }
func (k keys) dedup(key string) string {
	return fmt.Sprintf("%s:dedup:%s:%s", k.base(), k.kind, key)
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if a < b {
		return a
	}
	return b
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
