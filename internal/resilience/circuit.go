package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) gauge() float64 {
	switch s {
	case Closed, Open, HalfOpen:
		return float64(s)
	default:
		return -1
	}
}

// outcomes counts results observed while closed. Once the sample is twice the
// minimum it is halved so old traffic fades out.
type outcomes struct {
	ok, failed int
}

func (o *outcomes) add(success bool) {
	if success {
		o.ok++
		return
	}
	o.failed++
}

func (o outcomes) total() int { return o.ok + o.failed }

func (o outcomes) failureRatio() float64 {
	if o.total() == 0 {
		return 0
	}
	return float64(o.failed) / float64(o.total())
}

func (o *outcomes) halve() {
	o.ok = (o.ok + 1) / 2
	o.failed = (o.failed + 1) / 2
}

// Breaker guards one outbound dependency (email API, Slack, OpenAI, Stripe).
// It opens once the failure ratio over at least minRequests calls reaches the
// threshold, stays open for openFor and then lets a single probe through.
type Breaker struct {
	mu        sync.Mutex
	state     State
	seen      outcomes
	probeOut  bool
	openUntil time.Time

	minRequests int
	threshold   float64
	openFor     time.Duration
	target      string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewBreaker builds a closed breaker. Out of range arguments fall back to
// one request, a 50% ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests < 1 {
		minRequests = 1
	}
	switch {
	case failureRatio <= 0:
		failureRatio = 0.5
	case failureRatio > 1:
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests: minRequests,
		threshold:   failureRatio,
		openFor:     openFor,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
}

// WithTarget names the dependency in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	BreakerState.WithLabelValues(b.label()).Set(b.state.gauge())
	return b
}

// WithLogger sets the fallback logger for transitions when the context
// carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. An expired open breaker moves to
// half-open and hands out the single probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.moveTo(ctx, HalfOpen)
	}
	if b.probeOut {
		return false
	}
	b.probeOut = true
	return true
}

// Report records the result of an allowed call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probeOut = false
		if success {
			b.moveTo(ctx, Closed)
		} else {
			b.moveTo(ctx, Open)
		}
		return
	}

	b.seen.add(success)
	if b.seen.total() < b.minRequests {
		return
	}
	if b.seen.failureRatio() >= b.threshold {
		b.moveTo(ctx, Open)
		return
	}
	if b.seen.total() > 2*b.minRequests {
		b.seen.halve()
	}
}

// Execute runs fn under the breaker. Errors wrapped with Permanent are the
// caller's fault and count as successes for the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if !b.Allow(ctx) {
		return ErrOpenCircuit
	}
	err := fn(ctx)
	b.Report(ctx, err == nil || IsPermanent(err))
	return err
}

func (b *Breaker) moveTo(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.seen = outcomes{}
	switch next {
	case Open:
		b.openUntil = b.now().Add(b.openFor)
	case Closed:
		b.openUntil = time.Time{}
	}

	target := b.label()
	BreakerState.WithLabelValues(target).Set(next.gauge())
	if prev == next {
		return
	}
	BreakerTransitions.WithLabelValues(target, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
	}

	logger := b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info()
	if next == Open {
		evt = logger.Warn()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Str("target", target).
		Str("from_state", prev.String()).
		Str("to_state", next.String()).
		Msg("breaker_transition")
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}
