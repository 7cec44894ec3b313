package tickets

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
)

// Handler exposes the queue to operators under /admin/tickets.
type Handler struct {
	Service *Service
}

// Routes mounts the ticket endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/resolve", h.Resolve)
	r.Post("/{id}/assign", h.Assign)
	r.Post("/{id}/escalate", h.Escalate)
}

// List handles GET /admin/tickets?status=&sort=&page=&page_size=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := common.ParsePagination(r, h.Service.defaultPageSize(), h.Service.MaxPageSize)
	res, err := h.Service.List(r.Context(), ListParams{
		Status:   db.TicketStatus(strings.TrimSpace(q.Get("status"))),
		Sort:     db.TicketSort(strings.TrimSpace(q.Get("sort"))),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, res)
}

// Get handles GET /admin/tickets/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	t, err := h.Service.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, t)
}

type resolveRequest struct {
	Assignee string `json:"assignee" validate:"omitempty,max=120"`
	Notes    string `json:"notes" validate:"required,max=4000"`
}

// Resolve handles POST /admin/tickets/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Service.Resolve(r.Context(), id, assignee(r, req.Assignee), req.Notes)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, t)
}

type assignRequest struct {
	Assignee string `json:"assignee" validate:"omitempty,max=120"`
}

// Assign handles POST /admin/tickets/{id}/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Service.Assign(r.Context(), id, assignee(r, req.Assignee))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, t)
}

type escalateRequest struct {
	Assignee string `json:"assignee" validate:"omitempty,max=120"`
	Notes    string `json:"notes" validate:"omitempty,max=4000"`
}

// Escalate handles POST /admin/tickets/{id}/escalate.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Service.Escalate(r.Context(), id, assignee(r, req.Assignee), req.Notes)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, t)
}

func ticketID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid ticket id", nil))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, dst); err != nil {
			common.WriteError(w, err)
			return false
		}
	}
	if err := common.Validate(dst); err != nil {
		common.WriteError(w, err)
		return false
	}
	return true
}

// assignee falls back to the authenticated operator.
func assignee(r *http.Request, given string) string {
	if given = strings.TrimSpace(given); given != "" {
		return given
	}
	op, _ := common.Operator(r.Context())
	return op
}
