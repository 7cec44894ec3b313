package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/noah-isme/planbox/internal/lock"
	"github.com/noah-isme/planbox/internal/queue"
	"github.com/noah-isme/planbox/internal/resilience"
)

// RetryKind is the queue kind for operator requested retries.
const RetryKind = "delivery-retry"

// RetryTask is the payload of a RetryKind task.
type RetryTask struct {
	PaymentID   string `json:"payment_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// QueueScheduler defers retries to the worker process.
type QueueScheduler struct {
	Queue queue.Enqueuer
	Now   func() time.Time
}

// ScheduleRetry enqueues a retry. Requests for the same payment within a
// minute collapse into one task; the bool reports whether this call queued it.
func (s QueueScheduler) ScheduleRetry(ctx context.Context, paymentID, requestedBy string) (bool, error) {
	payload, err := json.Marshal(RetryTask{PaymentID: paymentID, RequestedBy: requestedBy})
	if err != nil {
		return false, err
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	err = s.Queue.EnqueueUnique(ctx, queue.Task{
		Kind:           RetryKind,
		Payload:        payload,
		IdempotencyKey: paymentID + ":" + strconv.FormatInt(now.Unix()/60, 10),
		MaxAttempts:    3,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delivery: schedule retry %s: %w", paymentID, err)
	}
	return true, nil
}

// RetryHandler returns the worker handler for RetryKind tasks. With a locker
// only one worker resumes a given payment at a time; a busy lease requeues
// the task.
func RetryHandler(saga *Saga, locker *lock.Locker, leaseTTL time.Duration) func(context.Context, queue.Task) error {
	return func(ctx context.Context, t queue.Task) error {
		var task RetryTask
		if err := json.Unmarshal(t.Payload, &task); err != nil || task.PaymentID == "" {
			return resilience.Permanent(fmt.Errorf("delivery: invalid retry payload: %w", errors.Join(err, errors.New("payment_id required"))))
		}
		resume := func(ctx context.Context) error {
			_, err := saga.Resume(ctx, task.PaymentID)
			return retryOutcome(err)
		}
		if locker == nil {
			return resume(ctx)
		}
		ran, err := locker.TryWithLock(ctx, "delivery:"+task.PaymentID, leaseTTL, resume)
		if err != nil {
			return err
		}
		if !ran {
			return fmt.Errorf("delivery: %s: %w", task.PaymentID, lock.ErrNotAcquired)
		}
		return nil
	}
}

// retryOutcome decides which Resume errors are worth another queue attempt.
func retryOutcome(err error) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) && serr.RequiresManualResolution {
		// the ticket is the follow-up
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrRefunded) || errors.Is(err, ErrPaymentReversed) {
		return resilience.Permanent(err)
	}
	return err
}
