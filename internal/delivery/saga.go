package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/generation"
	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/render"
	"github.com/noah-isme/planbox/internal/resilience"
	"github.com/noah-isme/planbox/internal/storage"
	"github.com/noah-isme/planbox/internal/tickets"
)

// Config holds step timeouts and retry budgets.
type Config struct {
	GenerateTimeout time.Duration
	RenderTimeout   time.Duration
	PersistTimeout  time.Duration
	NotifyTimeout   time.Duration
	// Retries per generation failure class, on top of the first attempt.
	StructuralRetries int
	DomainRetries     int
	TransientRetries  int
	PersistAttempts   int
	NotifyAttempts    int
	RetryBase         time.Duration
	LinkTTL           time.Duration
	ObjectPrefix      string
}

// Saga runs deliveries. It holds no per-job state; every decision is made
// from the stored job.
type Saga struct {
	Store    db.Store
	Engine   generation.Engine
	Renderer render.Renderer
	Objects  storage.Store
	Mailer   notify.Mailer
	Alerts   notify.Alerter
	Tickets  tickets.Opener
	Config   Config
	Now      func() time.Time
	Metrics  *obs.DomainMetrics
	Logger   zerolog.Logger
}

// Start creates the job for a reconciled order, or picks up the existing one,
// and runs it to completion.
func (s *Saga) Start(ctx context.Context, payment db.PaymentTransaction, order db.Order) error {
	ctx, span := otel.Tracer("delivery.Saga").Start(ctx, "Saga.Start")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", payment.ExternalPaymentID))

	job, outcome, err := s.Store.InsertDeliveryJob(ctx, db.InsertDeliveryJobParams{
		PaymentID:  payment.ExternalPaymentID,
		OrderID:    order.ID,
		Email:      payment.PayerEmail,
		Parameters: order.Parameters,
		Step:       string(StateCreated),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delivery: create job %s: %w", payment.ExternalPaymentID, err)
	}
	span.SetAttributes(attribute.String("job.outcome", outcome.String()))
	if job.Status == db.JobStatusFailed || job.Status == db.JobStatusRefunded {
		// a replayed start never reopens a closed job; operators use Resume
		return nil
	}
	_, err = s.drive(ctx, job)
	return err
}

// Resume is the retry entry point. A completed job is returned as is; a failed
// job is reopened and continues at its first incomplete step. Jobs whose
// payment was refunded or charged back are never redriven.
func (s *Saga) Resume(ctx context.Context, paymentID string) (db.DeliveryJob, error) {
	ctx, span := otel.Tracer("delivery.Saga").Start(ctx, "Saga.Resume")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	job, err := s.Store.GetDeliveryJob(ctx, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return db.DeliveryJob{}, ErrJobNotFound
	}
	if err != nil {
		return db.DeliveryJob{}, err
	}
	switch job.Status {
	case db.JobStatusCompleted:
		return job, nil
	case db.JobStatusRefunded:
		return job, ErrRefunded
	}
	payment, err := s.Store.GetPayment(ctx, paymentID)
	switch {
	case err == nil && payment.Status != db.PaymentStatusSucceeded:
		return job, ErrPaymentReversed
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return db.DeliveryJob{}, fmt.Errorf("delivery: load payment %s: %w", paymentID, err)
	}
	if job.Status == db.JobStatusFailed {
		job, err = s.Store.UpdateJobState(ctx, db.UpdateJobStateParams{
			PaymentID: paymentID,
			Status:    db.JobStatusProcessing,
			Step:      string(next(job)),
		})
		if err != nil {
			return db.DeliveryJob{}, fmt.Errorf("delivery: reopen %s: %w", paymentID, err)
		}
		s.Logger.Info().Str("payment_id", paymentID).Str("step", job.Step).Msg("delivery reopened")
	}
	return s.drive(ctx, job)
}

// Rollback deletes any stored artifact and forces the job to failed so it can
// be re-driven from scratch. Refunded jobs are left untouched.
func (s *Saga) Rollback(ctx context.Context, paymentID, reason string) (db.DeliveryJob, error) {
	ctx, span := otel.Tracer("delivery.Saga").Start(ctx, "Saga.Rollback")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	job, err := s.Store.GetDeliveryJob(ctx, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return db.DeliveryJob{}, ErrJobNotFound
	}
	if err != nil {
		return db.DeliveryJob{}, err
	}
	if job.Status == db.JobStatusRefunded {
		return job, ErrRefunded
	}
	if job.ArtifactLocation != nil {
		if err := s.Objects.Delete(ctx, *job.ArtifactLocation); err != nil {
			span.RecordError(err)
			return job, fmt.Errorf("delivery: rollback %s: %w", paymentID, err)
		}
	}
	if reason == "" {
		reason = "rolled back by operator"
	}
	job, err = s.Store.ClearJobArtifacts(ctx, db.ClearJobArtifactsParams{
		PaymentID: paymentID,
		Step:      string(StateFailed),
		Reason:    reason,
	})
	if errors.Is(err, db.ErrNotFound) {
		// refunded between the read and the update
		return db.DeliveryJob{}, ErrRefunded
	}
	if err != nil {
		return db.DeliveryJob{}, fmt.Errorf("delivery: rollback %s: %w", paymentID, err)
	}
	s.Metrics.SagaOutcome("rolled_back")
	s.Logger.Warn().Str("payment_id", paymentID).Str("reason", reason).Msg("delivery rolled back")
	return job, nil
}

// drive runs the job and turns any failure that has not opened a ticket yet
// into a failed job with one, so no job is left processing with nobody
// watching it.
func (s *Saga) drive(ctx context.Context, job db.DeliveryJob) (db.DeliveryJob, error) {
	out, err := s.run(ctx, job)
	if err == nil {
		return out, nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return out, err
	}
	step := State(out.Step)
	return out, s.fail(ctx, out, step, categoryFor(step), err)
}

func categoryFor(step State) db.TicketCategory {
	switch step {
	case StateRendering:
		return db.CategoryRenderFailed
	case StatePersisting:
		return db.CategoryPersistFailed
	case StateNotifying:
		return db.CategoryNotifyFailed
	default:
		return db.CategoryGenerationFailed
	}
}

// run dispatches to the first incomplete step until the job completes or a
// step fails.
func (s *Saga) run(ctx context.Context, job db.DeliveryJob) (db.DeliveryJob, error) {
	var err error
	for {
		switch next(job) {
		case StateCompleted:
			if job.Status != db.JobStatusCompleted {
				job, err = s.setState(ctx, job, db.JobStatusCompleted, StateCompleted, nil)
				if err != nil {
					return job, err
				}
				s.Metrics.SagaOutcome("completed")
				s.Logger.Info().Str("payment_id", job.PaymentID).Msg("delivery completed")
			}
			return job, nil
		case StateGenerating:
			job, err = s.generate(ctx, job)
		case StateRendering:
			job, err = s.renderAndPersist(ctx, job)
		case StateNotifying:
			job, err = s.notify(ctx, job)
		}
		if err != nil {
			return job, err
		}
	}
}

func (s *Saga) generate(ctx context.Context, job db.DeliveryJob) (db.DeliveryJob, error) {
	ctx, span := s.stepSpan(ctx, job, StateGenerating)
	defer span.End()
	start := time.Now()
	job, err := s.setState(ctx, job, db.JobStatusProcessing, StateGenerating, nil)
	if err != nil {
		return job, err
	}

	params, err := generation.ParseParams(job.Parameters)
	if err != nil {
		s.Metrics.SagaStep(string(StateGenerating), "failed", start)
		return job, s.fail(ctx, job, StateGenerating, db.CategoryGenerationFailed, err)
	}

	used := map[generation.Class]int{}
	feedback := ""
	for attempt := 1; ; attempt++ {
		gctx, cancel := withTimeout(ctx, s.Config.GenerateTimeout)
		res, err := s.Engine.Generate(gctx, generation.Request{PaymentID: job.PaymentID, Params: params, Feedback: feedback})
		cancel()
		if err == nil {
			_, err = generation.ValidatePlan(res.Content, params)
		}
		if err == nil {
			saved, err := s.Store.SaveGeneration(ctx, db.SaveGenerationParams{
				PaymentID: job.PaymentID,
				EngineID:  res.EngineID,
				Content:   res.Content,
				Step:      string(StateRendering),
			})
			if err != nil {
				return job, fmt.Errorf("delivery: save generation: %w", err)
			}
			s.Metrics.SagaStep(string(StateGenerating), "ok", start)
			return saved, nil
		}

		class := generation.Classify(err)
		span.AddEvent("generation rejected", trace.WithAttributes(attribute.String("class", string(class)), attribute.Int("attempt", attempt)))
		if ctx.Err() != nil || resilience.IsPermanent(err) || used[class] >= s.budget(class) {
			s.Metrics.SagaStep(string(StateGenerating), "failed", start)
			return job, s.fail(ctx, job, StateGenerating, db.CategoryGenerationFailed, fmt.Errorf("%s after %d attempts: %w", class, attempt, err))
		}
		used[class]++
		if class != generation.ClassTransient {
			feedback = err.Error()
		}
		s.Logger.Warn().Err(err).
			Str("payment_id", job.PaymentID).
			Str("class", string(class)).
			Int("attempt", attempt).
			Msg("generation retry")
		if werr := resilience.Sleep(ctx, resilience.Backoff(s.Config.RetryBase, attempt, 0.2)); werr != nil {
			return job, s.fail(ctx, job, StateGenerating, db.CategoryGenerationFailed, errors.Join(err, werr))
		}
	}
}

func (s *Saga) budget(c generation.Class) int {
	switch c {
	case generation.ClassStructural:
		return s.Config.StructuralRetries
	case generation.ClassDomain:
		return s.Config.DomainRetries
	default:
		return s.Config.TransientRetries
	}
}

func (s *Saga) renderAndPersist(ctx context.Context, job db.DeliveryJob) (db.DeliveryJob, error) {
	ctx, span := s.stepSpan(ctx, job, StateRendering)
	defer span.End()
	start := time.Now()
	job, err := s.setState(ctx, job, db.JobStatusProcessing, StateRendering, nil)
	if err != nil {
		return job, err
	}

	var plan generation.Plan
	if err := json.Unmarshal(job.Content, &plan); err != nil {
		s.Metrics.SagaStep(string(StateRendering), "failed", start)
		return job, s.fail(ctx, job, StateRendering, db.CategoryRenderFailed, fmt.Errorf("decode stored plan: %w", err))
	}
	artifact, err := render.WithTimeout(ctx, s.Renderer, plan, s.Config.RenderTimeout)
	if err == nil {
		err = render.ValidatePDF(artifact)
	}
	if err != nil {
		s.Metrics.SagaStep(string(StateRendering), "failed", start)
		return job, s.fail(ctx, job, StateRendering, db.CategoryRenderFailed, err)
	}
	s.Metrics.SagaStep(string(StateRendering), "ok", start)

	start = time.Now()
	job, err = s.setState(ctx, job, db.JobStatusProcessing, StatePersisting, nil)
	if err != nil {
		return job, err
	}
	name := storage.ObjectName(s.Config.ObjectPrefix, job.PaymentID, s.now())
	var location string
	err = resilience.Retry(ctx, resilience.RetryPolicy{Attempts: s.Config.PersistAttempts, Base: s.Config.RetryBase, Jitter: 0.2}, func(ctx context.Context, _ int) error {
		pctx, cancel := withTimeout(ctx, s.Config.PersistTimeout)
		defer cancel()
		loc, err := s.Objects.Put(pctx, name, artifact, "application/pdf")
		location = loc
		return err
	})
	if err != nil {
		s.Metrics.SagaStep(string(StatePersisting), "failed", start)
		return job, s.fail(ctx, job, StatePersisting, db.CategoryPersistFailed, err)
	}

	// durability boundary: once this commits the artifact is recoverable
	saved, err := s.Store.SaveArtifact(ctx, db.SaveArtifactParams{
		PaymentID: job.PaymentID,
		Location:  location,
		Step:      string(StateNotifying),
	})
	if err != nil {
		s.Metrics.SagaStep(string(StatePersisting), "failed", start)
		if derr := s.Objects.Delete(context.WithoutCancel(ctx), location); derr != nil {
			err = errors.Join(err, derr)
		}
		return job, fmt.Errorf("delivery: record artifact: %w", err)
	}
	s.Metrics.SagaStep(string(StatePersisting), "ok", start)
	return saved, nil
}

func (s *Saga) notify(ctx context.Context, job db.DeliveryJob) (db.DeliveryJob, error) {
	ctx, span := s.stepSpan(ctx, job, StateNotifying)
	defer span.End()
	start := time.Now()
	job, err := s.setState(ctx, job, db.JobStatusProcessing, StateNotifying, nil)
	if err != nil {
		return job, err
	}

	messageID, err := s.send(ctx, job)
	if err != nil {
		span.RecordError(err)
		s.Metrics.SagaStep(string(StateNotifying), "failed", start)
		return s.completeUnnotified(ctx, job, err)
	}

	var done db.DeliveryJob
	err = s.Store.ExecTx(ctx, func(q db.Querier) error {
		marked, err := q.MarkJobNotified(ctx, db.MarkJobNotifiedParams{
			PaymentID: job.PaymentID,
			SentAt:    s.now(),
			MessageID: messageID,
		})
		if errors.Is(err, db.ErrConflict) {
			// another run already recorded the send
			marked, err = q.GetDeliveryJob(ctx, job.PaymentID)
		}
		if err != nil {
			return err
		}
		done, err = q.UpdateJobState(ctx, db.UpdateJobStateParams{
			PaymentID: marked.PaymentID,
			Status:    db.JobStatusCompleted,
			Step:      string(StateCompleted),
		})
		return err
	})
	if err != nil {
		return job, fmt.Errorf("delivery: record notification: %w", err)
	}
	s.Metrics.SagaStep(string(StateNotifying), "ok", start)
	return done, nil
}

func (s *Saga) send(ctx context.Context, job db.DeliveryJob) (string, error) {
	link, err := s.Objects.Link(ctx, *job.ArtifactLocation, s.Config.LinkTTL)
	if err != nil {
		return "", err
	}
	msg, err := notify.DeliveryEmail(job.Email, job.PaymentID, link, s.now().Add(s.Config.LinkTTL))
	if err != nil {
		return "", err
	}
	var messageID string
	err = resilience.Retry(ctx, resilience.RetryPolicy{Attempts: s.Config.NotifyAttempts, Base: s.Config.RetryBase, Jitter: 0.2}, func(ctx context.Context, _ int) error {
		nctx, cancel := withTimeout(ctx, s.Config.NotifyTimeout)
		defer cancel()
		id, err := s.Mailer.Send(nctx, msg)
		messageID = id
		return err
	})
	return messageID, err
}

// completeUnnotified marks the job completed even though the email failed:
// the artifact is stored and an operator can resend it from the ticket.
func (s *Saga) completeUnnotified(ctx context.Context, job db.DeliveryJob, cause error) (db.DeliveryJob, error) {
	lastErr := "notify: " + cause.Error()
	var done db.DeliveryJob
	err := s.Store.ExecTx(ctx, func(q db.Querier) error {
		var err error
		done, err = q.UpdateJobState(ctx, db.UpdateJobStateParams{
			PaymentID: job.PaymentID,
			Status:    db.JobStatusCompleted,
			Step:      string(StateCompleted),
			LastError: &lastErr,
		})
		if err != nil {
			return err
		}
		_, _, err = s.Tickets.Open(ctx, q, tickets.OpenRequest{
			PaymentID: job.PaymentID,
			Email:     job.Email,
			Category:  db.CategoryNotifyFailed,
			Details:   map[string]any{"step": string(StateNotifying), "error": cause.Error(), "artifact": *job.ArtifactLocation},
		})
		return err
	})
	if err != nil {
		return job, fmt.Errorf("delivery: complete without notification: %w", errors.Join(cause, err))
	}
	job = done
	s.Metrics.SagaOutcome("completed_unnotified")
	s.Logger.Error().Err(cause).
		Str("payment_id", job.PaymentID).
		Str("step", string(StateNotifying)).
		Str("category", string(db.CategoryNotifyFailed)).
		Msg("delivery completed but customer was not notified")
	s.alert(ctx, notify.SeverityWarning, "delivery email failed", job, db.CategoryNotifyFailed, cause)
	return job, nil
}

// fail moves the job to failed and opens the ticket in one transaction.
func (s *Saga) fail(ctx context.Context, job db.DeliveryJob, step State, category db.TicketCategory, cause error) error {
	// the job must be recorded even when the caller gave up
	ctx = context.WithoutCancel(ctx)
	lastErr := string(step) + ": " + cause.Error()
	err := s.Store.ExecTx(ctx, func(q db.Querier) error {
		if _, err := q.UpdateJobState(ctx, db.UpdateJobStateParams{
			PaymentID: job.PaymentID,
			Status:    db.JobStatusFailed,
			Step:      string(step),
			LastError: &lastErr,
		}); err != nil {
			return err
		}
		_, _, err := s.Tickets.Open(ctx, q, tickets.OpenRequest{
			PaymentID: job.PaymentID,
			Email:     job.Email,
			Category:  category,
			Details:   map[string]any{"step": string(step), "error": cause.Error()},
		})
		return err
	})
	if err != nil {
		return &Error{PaymentID: job.PaymentID, Step: step, Category: category, Err: errors.Join(cause, err)}
	}
	s.Metrics.SagaOutcome("failed")
	s.Logger.Error().Err(cause).
		Str("payment_id", job.PaymentID).
		Str("step", string(step)).
		Str("category", string(category)).
		Msg("delivery failed; ticket opened")
	s.alert(ctx, notify.SeverityCritical, "delivery failed", job, category, cause)
	return &Error{PaymentID: job.PaymentID, Step: step, Category: category, RequiresManualResolution: true, Err: cause}
}

func (s *Saga) alert(ctx context.Context, sev notify.Severity, title string, job db.DeliveryJob, category db.TicketCategory, cause error) {
	if s.Alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.Alerts.Alert(actx, notify.Alert{
		Severity: sev,
		Title:    title,
		Fields: map[string]string{
			"payment_id": job.PaymentID,
			"email":      common.MaskEmail(job.Email),
			"category":   string(category),
			"error":      cause.Error(),
		},
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("payment_id", job.PaymentID).Msg("alert failed")
	}
}

func (s *Saga) setState(ctx context.Context, job db.DeliveryJob, status db.JobStatus, step State, lastErr *string) (db.DeliveryJob, error) {
	if job.Status == status && job.Step == string(step) && lastErr == nil {
		return job, nil
	}
	updated, err := s.Store.UpdateJobState(ctx, db.UpdateJobStateParams{
		PaymentID: job.PaymentID,
		Status:    status,
		Step:      string(step),
		LastError: lastErr,
	})
	if err != nil {
		return job, fmt.Errorf("delivery: checkpoint %s: %w", step, err)
	}
	return updated, nil
}

func (s *Saga) stepSpan(ctx context.Context, job db.DeliveryJob, step State) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("delivery.Saga").Start(ctx, "Saga."+string(step))
	span.SetAttributes(attribute.String("payment.id", job.PaymentID), attribute.String("saga.step", string(step)))
	return ctx, span
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (s *Saga) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
