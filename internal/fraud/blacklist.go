package fraud

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
)

// Eligibility is the purchase decision for one email.
type Eligibility struct {
	Eligible     bool       `json:"eligible"`
	BlockedUntil *time.Time `json:"blocked_until"`
}

// Blacklist answers whether an email may buy.
type Blacklist struct {
	Store db.Querier
	Now   func() time.Time
}

// Check looks up the normalized email. Expired entries do not block.
func (b Blacklist) Check(ctx context.Context, email string) (Eligibility, error) {
	entry, err := b.Store.GetBlacklistEntry(ctx, common.NormalizeEmail(email))
	if errors.Is(err, db.ErrNotFound) {
		return Eligibility{Eligible: true}, nil
	}
	if err != nil {
		return Eligibility{}, err
	}
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	if !entry.Active(now) {
		return Eligibility{Eligible: true}, nil
	}
	until := entry.ExpiresAt
	return Eligibility{Eligible: false, BlockedUntil: &until}, nil
}

// Handler serves the public eligibility endpoint.
type Handler struct {
	Blacklist Blacklist
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/eligibility", h.Eligibility)
}

type eligibilityQuery struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

// Eligibility handles GET /api/v1/eligibility?email=.
func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	q := eligibilityQuery{Email: strings.TrimSpace(r.URL.Query().Get("email"))}
	if err := common.Validate(q); err != nil {
		common.WriteError(w, err)
		return
	}
	res, err := h.Blacklist.Check(r.Context(), q.Email)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusOK, res)
}
