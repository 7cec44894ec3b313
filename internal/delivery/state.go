// Package delivery drives a paid order to a delivered plan: generate, render,
// persist, notify. Every step is checkpointed on the delivery job so a crashed
// or failed run resumes at the first incomplete step.
package delivery

import (
	"net/http"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
)

// State is the saga position recorded in delivery_jobs.step.
type State string

const (
	StateCreated    State = "created"
	StateGenerating State = "generating"
	StateRendering  State = "rendering"
	StatePersisting State = "persisting"
	StateNotifying  State = "notifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// next returns the first step the job still needs. It looks at the recorded
// outputs rather than the step column, so a step is never rerun once its
// result is stored.
func next(j db.DeliveryJob) State {
	switch {
	case j.Status == db.JobStatusCompleted:
		return StateCompleted
	case j.GenerationEngineID == nil || len(j.Content) == 0:
		return StateGenerating
	case j.ArtifactLocation == nil:
		// render output is not durable; rendering and persisting run together
		return StateRendering
	case j.NotificationSentAt == nil:
		return StateNotifying
	default:
		return StateCompleted
	}
}

// Error is a saga failure. When RequiresManualResolution is set the job is
// failed and a ticket already exists, so callers should not retry.
type Error struct {
	PaymentID                string
	Step                     State
	Category                 db.TicketCategory
	RequiresManualResolution bool
	Err                      error
}

func (e *Error) Error() string {
	return "delivery " + e.PaymentID + " failed at " + string(e.Step) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrJobNotFound     = common.NewAppError(common.CodeNotFound, "delivery job not found", http.StatusNotFound, nil)
	ErrRefunded        = common.NewAppError(common.CodeConflict, "delivery was refunded", http.StatusConflict, nil)
	// ErrPaymentReversed blocks redriving a job whose payment was refunded or
	// charged back after the job failed.
	ErrPaymentReversed = common.NewAppError(common.CodeConflict, "payment is no longer settled", http.StatusConflict, nil)
)
