package sla

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/planbox/internal/common"
)

// Handler lets operators trigger a scan without waiting for the next tick.
type Handler struct {
	Monitor *Monitor
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/run", h.Run)
}

// Run handles POST /admin/sla/run.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	op, _ := common.Operator(r.Context())
	h.Monitor.Logger.Info().Str("operator", op).Msg("sla tick requested")
	res, err := h.Monitor.Tick(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if res.Outcomes == nil {
		res.Outcomes = map[string]int{}
	}
	common.JSON(w, http.StatusOK, res)
}
