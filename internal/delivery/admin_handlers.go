package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
)

// Scheduler defers a retry to a background worker.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, paymentID, requestedBy string) (bool, error)
}

// AdminHandler exposes delivery jobs to operators under /admin/deliveries.
type AdminHandler struct {
	Saga *Saga
	// Scheduler makes retries asynchronous; nil runs them in the request.
	Scheduler Scheduler
}

// Routes mounts the handler on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/{paymentID}", h.Get)
	r.Post("/{paymentID}/retry", h.Retry)
	r.Post("/{paymentID}/rollback", h.Rollback)
}

type retryResponse struct {
	PaymentID string          `json:"payment_id"`
	Scheduled bool            `json:"scheduled"`
	Job       *db.DeliveryJob `json:"job,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type rollbackRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// Get handles GET /admin/deliveries/{paymentID}.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Saga.Store.GetDeliveryJob(r.Context(), chi.URLParam(r, "paymentID"))
	if errors.Is(err, db.ErrNotFound) {
		common.WriteError(w, ErrJobNotFound)
		return
	}
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, job)
}

// Retry handles POST /admin/deliveries/{paymentID}/retry.
func (h *AdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	op, _ := common.Operator(r.Context())

	if h.Scheduler != nil {
		if _, err := h.Saga.Store.GetDeliveryJob(r.Context(), paymentID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				err = ErrJobNotFound
			}
			common.WriteError(w, err)
			return
		}
		queued, err := h.Scheduler.ScheduleRetry(r.Context(), paymentID, op)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		h.Saga.Logger.Info().Str("payment_id", paymentID).Str("operator", op).Bool("queued", queued).Msg("delivery retry requested")
		common.JSON(w, http.StatusAccepted, retryResponse{PaymentID: paymentID, Scheduled: true})
		return
	}

	h.Saga.Logger.Info().Str("payment_id", paymentID).Str("operator", op).Msg("delivery retry requested")
	job, err := h.Saga.Resume(r.Context(), paymentID)
	var serr *Error
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, retryResponse{PaymentID: paymentID, Job: &job})
	case errors.As(err, &serr) && serr.RequiresManualResolution:
		current, gerr := h.Saga.Store.GetDeliveryJob(r.Context(), paymentID)
		if gerr != nil {
			common.WriteError(w, gerr)
			return
		}
		common.JSON(w, http.StatusOK, retryResponse{PaymentID: paymentID, Job: &current, Error: serr.Error()})
	default:
		common.WriteError(w, err)
	}
}

// Rollback handles POST /admin/deliveries/{paymentID}/rollback.
func (h *AdminHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, &req); err != nil {
			common.WriteError(w, err)
			return
		}
	}
	if err := common.Validate(req); err != nil {
		common.WriteError(w, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if op, ok := common.Operator(r.Context()); ok && reason != "" {
		reason += " (by " + op + ")"
	}
	job, err := h.Saga.Rollback(r.Context(), chi.URLParam(r, "paymentID"), reason)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, job)
}
