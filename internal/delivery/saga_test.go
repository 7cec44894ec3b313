package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/db/dbtest"
	"github.com/noah-isme/planbox/internal/delivery"
	"github.com/noah-isme/planbox/internal/generation"
	"github.com/noah-isme/planbox/internal/notify"
	"github.com/noah-isme/planbox/internal/render"
	"github.com/noah-isme/planbox/internal/resilience"
	"github.com/noah-isme/planbox/internal/storage"
	"github.com/noah-isme/planbox/internal/tickets"
)

const orderParams = `{"goal":"lose","daily_calories":1800,"days":2,"meals_per_day":3}`

type scriptedEngine struct {
	mu       sync.Mutex
	script   []func() (generation.Result, error)
	calls    int
	feedback []string
}

// Generate replays the script; the last entry repeats.
func (e *scriptedEngine) Generate(_ context.Context, req generation.Request) (generation.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feedback = append(e.feedback, req.Feedback)
	step := e.script[min(e.calls, len(e.script)-1)]
	e.calls++
	return step()
}

func (e *scriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func planContent(kcal int, ingredient string) func() (generation.Result, error) {
	return func() (generation.Result, error) {
		p := generation.Plan{Title: "Two day plan"}
		for d := 1; d <= 2; d++ {
			day := generation.Day{Day: d}
			for m := 0; m < 3; m++ {
				day.Meals = append(day.Meals, generation.Meal{Name: "Bowl", Calories: kcal, Ingredients: []string{ingredient}})
			}
			p.Days = append(p.Days, day)
		}
		raw, err := json.Marshal(p)
		return generation.Result{Content: raw, EngineID: "test:" + uuid.NewString()}, err
	}
}

func goodPlan() func() (generation.Result, error) { return planContent(600, "rice") }
func offTargetPlan() func() (generation.Result, error) { return planContent(900, "rice") }
func malformedPlan() func() (generation.Result, error) {
	return func() (generation.Result, error) {
		return generation.Result{Content: json.RawMessage(`{"title":""}`), EngineID: "test:bad"}, nil
	}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.err != nil {
		return "", m.err
	}
	return "msg-" + uuid.NewString(), nil
}

func (m *fakeMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, al notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

type rendererFunc func(context.Context, generation.Plan) ([]byte, error)

func (f rendererFunc) Render(ctx context.Context, p generation.Plan) ([]byte, error) { return f(ctx, p) }

type fixture struct {
	store   *dbtest.Memory
	engine  *scriptedEngine
	objects *storage.MemoryStore
	mailer  *fakeMailer
	alerts  *recordingAlerter
	saga    *delivery.Saga
	payment db.PaymentTransaction
	order   db.Order
}

func newFixture(t *testing.T, script ...func() (generation.Result, error)) *fixture {
	t.Helper()
	if len(script) == 0 {
		script = []func() (generation.Result, error){goodPlan()}
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	f := &fixture{
		store:   dbtest.NewMemory(),
		engine:  &scriptedEngine{script: script},
		objects: storage.NewMemoryStore("https://files.test"),
		mailer:  &fakeMailer{},
		alerts:  &recordingAlerter{},
	}
	f.store.Now = clock
	f.payment = db.PaymentTransaction{
		ExternalPaymentID: "pi_123",
		Amount:            1999,
		Currency:          "EUR",
		PayerEmail:        "Ana@Example.com",
		PaymentMethod:     "card",
		Status:            db.PaymentStatusSucceeded,
	}
	f.store.PutPayment(f.payment)
	f.order = db.Order{ID: uuid.New(), Reference: "quiz-1", Email: "ana@example.com", Parameters: json.RawMessage(orderParams)}

	f.saga = &delivery.Saga{
		Store:    f.store,
		Engine:   f.engine,
		Renderer: render.PDFRenderer{Author: "Planbox", Now: clock},
		Objects:  f.objects,
		Mailer:   f.mailer,
		Alerts:   f.alerts,
		Tickets:  tickets.Opener{Now: clock, Logger: zerolog.Nop()},
		Config: delivery.Config{
			StructuralRetries: 1,
			DomainRetries:     2,
			TransientRetries:  1,
			PersistAttempts:   2,
			NotifyAttempts:    2,
			RetryBase:         time.Millisecond,
			LinkTTL:           72 * time.Hour,
			ObjectPrefix:      "plans",
		},
		Now:    clock,
		Logger: zerolog.Nop(),
	}
	return f
}

func (f *fixture) job(t *testing.T) db.DeliveryJob {
	t.Helper()
	j, err := f.store.GetDeliveryJob(context.Background(), f.payment.ExternalPaymentID)
	require.NoError(t, err)
	return j
}

func TestSagaDeliversPlan(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.saga.Start(context.Background(), f.payment, f.order))

	j := f.job(t)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.Equal(t, string(delivery.StateCompleted), j.Step)
	require.NotNil(t, j.GenerationEngineID)
	require.NotNil(t, j.ArtifactLocation)
	require.NotNil(t, j.NotificationSentAt)
	require.True(t, strings.HasPrefix(*j.NotificationMessageID, "msg-"))
	require.Nil(t, j.LastError)

	artifact, ok := f.objects.Get(*j.ArtifactLocation)
	require.True(t, ok)
	require.NoError(t, render.ValidatePDF(artifact))
	require.Contains(t, *j.ArtifactLocation, "plans/2026/03/02/pi_123-")

	require.Equal(t, 1, f.mailer.Count())
	msg := f.mailer.sent[0]
	require.Equal(t, "Ana@Example.com", msg.To)
	require.Equal(t, "delivery-pi_123", msg.IdempotencyKey)
	require.Contains(t, msg.Text, "https://files.test/plans/2026/03/02/pi_123-")
	require.Empty(t, f.store.Tickets())
}

func TestSagaStartTwiceDoesNotRedeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))

	require.Equal(t, 1, f.engine.Calls())
	require.Equal(t, 1, f.mailer.Count())
	require.Equal(t, 1, f.objects.Len())
	require.Equal(t, 1, f.store.Jobs())
}

func TestSagaDomainBudgetExhaustedOpensTicket(t *testing.T) {
	f := newFixture(t, offTargetPlan())
	err := f.saga.Start(context.Background(), f.payment, f.order)

	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.True(t, serr.RequiresManualResolution)
	require.Equal(t, delivery.StateGenerating, serr.Step)
	require.Equal(t, db.CategoryGenerationFailed, serr.Category)
	// first attempt plus two domain retries
	require.Equal(t, 3, f.engine.Calls())
	require.NotEmpty(t, f.engine.feedback[1])

	j := f.job(t)
	require.Equal(t, db.JobStatusFailed, j.Status)
	require.Equal(t, string(delivery.StateGenerating), j.Step)
	require.NotNil(t, j.LastError)
	require.Nil(t, j.GenerationEngineID)

	tks := f.store.Tickets()
	require.Len(t, tks, 1)
	require.Equal(t, db.CategoryGenerationFailed, tks[0].Category)
	require.Equal(t, db.TicketPending, tks[0].Status)
	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, notify.SeverityCritical, f.alerts.alerts[0].Severity)
	require.Equal(t, 0, f.mailer.Count())
}

func TestSagaRetryBudgetsArePerClass(t *testing.T) {
	f := newFixture(t, malformedPlan(), offTargetPlan(), offTargetPlan(), goodPlan())
	require.NoError(t, f.saga.Start(context.Background(), f.payment, f.order))
	require.Equal(t, 4, f.engine.Calls())
	require.Equal(t, db.JobStatusCompleted, f.job(t).Status)
}

func TestSagaStructuralBudgetExhausted(t *testing.T) {
	f := newFixture(t, malformedPlan())
	err := f.saga.Start(context.Background(), f.payment, f.order)
	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 2, f.engine.Calls())
}

func TestSagaPermanentEngineErrorSkipsRetries(t *testing.T) {
	f := newFixture(t, func() (generation.Result, error) {
		return generation.Result{}, resilience.Permanent(errors.New("invalid api key"))
	})
	err := f.saga.Start(context.Background(), f.payment, f.order)
	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, f.engine.Calls())
}

func TestSagaInvalidArtifactFailsRender(t *testing.T) {
	f := newFixture(t)
	good := f.saga.Renderer
	f.saga.Renderer = rendererFunc(func(context.Context, generation.Plan) ([]byte, error) {
		return []byte("<html>not a pdf</html>"), nil
	})
	err := f.saga.Start(context.Background(), f.payment, f.order)

	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, delivery.StateRendering, serr.Step)
	require.ErrorIs(t, err, render.ErrInvalidArtifact)
	require.Equal(t, 0, f.objects.Len())

	j := f.job(t)
	require.Equal(t, db.JobStatusFailed, j.Status)
	require.NotNil(t, j.GenerationEngineID)
	require.Equal(t, db.CategoryRenderFailed, f.store.Tickets()[0].Category)

	// resume picks up at rendering and keeps the stored generation
	f.saga.Renderer = good
	j, err = f.saga.Resume(context.Background(), f.payment.ExternalPaymentID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.Equal(t, 1, f.engine.Calls())
	require.Equal(t, 1, f.mailer.Count())
}

func TestSagaNotifyFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("provider down")
	require.NoError(t, f.saga.Start(context.Background(), f.payment, f.order))

	require.Equal(t, 2, f.mailer.Count())
	j := f.job(t)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.NotNil(t, j.ArtifactLocation)
	require.Nil(t, j.NotificationSentAt)
	require.NotNil(t, j.LastError)
	require.Contains(t, *j.LastError, "provider down")

	tks := f.store.Tickets()
	require.Len(t, tks, 1)
	require.Equal(t, db.CategoryNotifyFailed, tks[0].Category)
	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, notify.SeverityWarning, f.alerts.alerts[0].Severity)

	// a completed job is returned as is
	_, err := f.saga.Resume(context.Background(), f.payment.ExternalPaymentID)
	require.NoError(t, err)
	require.Equal(t, 2, f.mailer.Count())
}

func TestSagaResumeStartsAtFirstIncompleteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content, _ := goodPlan()()
	loc, err := f.objects.Put(ctx, "plans/existing.pdf", []byte("%PDF-1.3 stub"), "application/pdf")
	require.NoError(t, err)
	engineID := "test:earlier"
	lastErr := "notifying: timeout"
	f.store.PutJob(db.DeliveryJob{
		PaymentID:          f.payment.ExternalPaymentID,
		Email:              f.payment.PayerEmail,
		Parameters:         json.RawMessage(orderParams),
		Content:            content.Content,
		GenerationEngineID: &engineID,
		ArtifactLocation:   &loc,
		Status:             db.JobStatusFailed,
		Step:               string(delivery.StateNotifying),
		LastError:          &lastErr,
	})

	j, err := f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.Equal(t, loc, *j.ArtifactLocation)
	require.Equal(t, 0, f.engine.Calls())
	require.Equal(t, 1, f.mailer.Count())
	require.Equal(t, 1, f.objects.Len())
}

func TestSagaResumeRejectsUnknownAndRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.saga.Resume(ctx, "pi_missing")
	require.ErrorIs(t, err, delivery.ErrJobNotFound)

	f.store.PutJob(db.DeliveryJob{PaymentID: f.payment.ExternalPaymentID, Email: f.payment.PayerEmail, Status: db.JobStatusRefunded})
	_, err = f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.ErrorIs(t, err, delivery.ErrRefunded)
	require.Equal(t, 0, f.engine.Calls())
}

func TestSagaArtifactRecordFailureRemovesOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Fail["SaveArtifact"] = errors.New("connection reset")
	err := f.saga.Start(ctx, f.payment, f.order)

	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.True(t, serr.RequiresManualResolution)
	require.Equal(t, delivery.StatePersisting, serr.Step)
	require.Equal(t, db.CategoryPersistFailed, serr.Category)
	require.Equal(t, 0, f.objects.Len())

	j := f.job(t)
	require.Equal(t, db.JobStatusFailed, j.Status)
	require.Equal(t, string(delivery.StatePersisting), j.Step)
	require.Contains(t, *j.LastError, "connection reset")
	tks := f.store.Tickets()
	require.Len(t, tks, 1)
	require.Equal(t, db.CategoryPersistFailed, tks[0].Category)
	require.Len(t, f.alerts.alerts, 1)

	// a replayed start leaves the failed job to the operator
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))
	require.Equal(t, db.JobStatusFailed, f.job(t).Status)

	j, err = f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.Equal(t, 1, f.engine.Calls())
	require.Equal(t, 1, f.objects.Len())
}

func TestSagaCheckpointFailureOpensTicket(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["SaveGeneration"] = errors.New("connection reset")
	err := f.saga.Start(context.Background(), f.payment, f.order)

	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.True(t, serr.RequiresManualResolution)
	require.Equal(t, db.CategoryGenerationFailed, serr.Category)
	require.Equal(t, db.JobStatusFailed, f.job(t).Status)
	require.Len(t, f.store.Tickets(), 1)
}

func TestSagaFailureWithoutTicketIsNotManual(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["SaveGeneration"] = errors.New("connection reset")
	f.store.Fail["InsertTicket"] = errors.New("connection reset")
	err := f.saga.Start(context.Background(), f.payment, f.order)

	var serr *delivery.Error
	require.ErrorAs(t, err, &serr)
	require.False(t, serr.RequiresManualResolution)
	require.Equal(t, db.CategoryGenerationFailed, serr.Category)
	require.Empty(t, f.store.Tickets())
	// the job still shows where the run stopped
	require.Equal(t, db.JobStatusProcessing, f.job(t).Status)
}

func TestSagaRollbackKeepsRefundedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))
	_, err := f.store.RecordJobRefund(ctx, db.RecordJobRefundParams{PaymentID: f.payment.ExternalPaymentID, Increment: 1})
	require.NoError(t, err)

	_, err = f.saga.Rollback(ctx, f.payment.ExternalPaymentID, "customer asked")
	require.ErrorIs(t, err, delivery.ErrRefunded)
	j := f.job(t)
	require.Equal(t, db.JobStatusRefunded, j.Status)
	require.NotNil(t, j.ArtifactLocation)
	require.Equal(t, 1, f.objects.Len())

	_, err = f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.ErrorIs(t, err, delivery.ErrRefunded)
	require.Equal(t, 1, f.mailer.Count())
	require.Equal(t, 1, f.engine.Calls())
}

func TestSagaResumeRefusesReversedPayment(t *testing.T) {
	f := newFixture(t, offTargetPlan())
	ctx := context.Background()
	require.Error(t, f.saga.Start(ctx, f.payment, f.order))
	require.Equal(t, db.JobStatusFailed, f.job(t).Status)
	calls := f.engine.Calls()

	_, moved, err := f.store.TransitionPaymentStatus(ctx, db.TransitionPaymentStatusParams{
		ExternalPaymentID: f.payment.ExternalPaymentID,
		Status:            db.PaymentStatusChargeback,
	})
	require.NoError(t, err)
	require.True(t, moved)

	_, err = f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.ErrorIs(t, err, delivery.ErrPaymentReversed)
	require.Equal(t, db.JobStatusFailed, f.job(t).Status)
	require.Equal(t, calls, f.engine.Calls())
	require.Zero(t, f.mailer.Count())
}

func TestSagaRollbackClearsArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.saga.Start(ctx, f.payment, f.order))
	require.Equal(t, 1, f.objects.Len())

	j, err := f.saga.Rollback(ctx, f.payment.ExternalPaymentID, "wrong language")
	require.NoError(t, err)
	require.Equal(t, db.JobStatusFailed, j.Status)
	require.Nil(t, j.ArtifactLocation)
	require.Nil(t, j.GenerationEngineID)
	require.Nil(t, j.NotificationSentAt)
	require.Equal(t, "wrong language", *j.LastError)
	require.Equal(t, 0, f.objects.Len())

	j, err = f.saga.Resume(ctx, f.payment.ExternalPaymentID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, j.Status)
	require.Equal(t, 2, f.engine.Calls())
	require.Equal(t, 2, f.mailer.Count())

	_, err = f.saga.Rollback(ctx, "pi_missing", "")
	require.ErrorIs(t, err, delivery.ErrJobNotFound)
}
