package tickets_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/db/dbtest"
	"github.com/noah-isme/planbox/internal/tickets"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *dbtest.Memory
	now    time.Time
	opener tickets.Opener
	svc    *tickets.Service
}

func newFixture() *fixture {
	f := &fixture{store: dbtest.NewMemory(), now: t0}
	clock := func() time.Time { return f.now }
	f.store.Now = clock
	f.opener = tickets.Opener{Now: clock, Logger: zerolog.Nop()}
	f.svc = &tickets.Service{Store: f.store, Now: clock, DefaultPageSize: 2, MaxPageSize: 50, Logger: zerolog.Nop()}
	return f
}

func (f *fixture) open(t *testing.T, email string, category db.TicketCategory) db.Ticket {
	t.Helper()
	ticket, outcome, err := f.opener.Open(context.Background(), f.store, tickets.OpenRequest{
		PaymentID: "pi_" + email,
		Email:     email,
		Category:  category,
		Details:   map[string]any{"reason": "test"},
	})
	require.NoError(t, err)
	require.Equal(t, db.OutcomeCreated, outcome)
	return ticket
}

func TestOpenSetsDeadlineFourHoursAfterCreation(t *testing.T) {
	f := newFixture()
	ticket := f.open(t, "a@example.com", db.CategoryGenerationFailed)

	require.Equal(t, db.TicketPending, ticket.Status)
	require.Equal(t, ticket.CreatedAt.Add(4*time.Hour), ticket.SLADeadline)
	require.JSONEq(t, `{"reason":"test"}`, string(ticket.Details))
}

func TestOpenDeduplicatesOpenIssue(t *testing.T) {
	f := newFixture()
	first := f.open(t, "a@example.com", db.CategoryRefundPattern)

	again, outcome, err := f.opener.Open(context.Background(), f.store, tickets.OpenRequest{Email: " A@example.com", Category: db.CategoryRefundPattern})
	require.NoError(t, err)
	require.Equal(t, db.OutcomeAlreadyExists, outcome)
	require.Equal(t, first.ID, again.ID)

	// other categories are independent
	f.open(t, "a@example.com", db.CategoryNotifyFailed)

	// once closed, the same issue may open again
	_, err = f.svc.Resolve(context.Background(), first.ID, "ops", "handled")
	require.NoError(t, err)
	f.open(t, "a@example.com", db.CategoryRefundPattern)
	require.Len(t, f.store.Tickets(), 3)
}

func TestResolveAndTerminalConflict(t *testing.T) {
	f := newFixture()
	ticket := f.open(t, "a@example.com", db.CategoryRenderFailed)
	f.now = t0.Add(time.Hour)

	resolved, err := f.svc.Resolve(context.Background(), ticket.ID, "ops@planbox", "re-sent manually")
	require.NoError(t, err)
	require.Equal(t, db.TicketResolved, resolved.Status)
	require.Equal(t, "ops@planbox", *resolved.Assignee)
	require.Equal(t, "re-sent manually", *resolved.ResolutionNotes)
	require.Equal(t, f.now, *resolved.ResolvedAt)
	require.Equal(t, ticket.SLADeadline, resolved.SLADeadline)

	_, err = f.svc.Resolve(context.Background(), ticket.ID, "ops@planbox", "again")
	require.ErrorIs(t, err, tickets.ErrTerminal)
	_, err = f.svc.Assign(context.Background(), ticket.ID, "ops@planbox")
	require.ErrorIs(t, err, tickets.ErrTerminal)

	_, err = f.svc.Resolve(context.Background(), uuid.New(), "", "x")
	require.ErrorIs(t, err, tickets.ErrNotFound)
}

func TestSLAMissedRefundedIsTerminal(t *testing.T) {
	f := newFixture()
	f.store.PutTicket(db.Ticket{Email: "b@example.com", Category: db.CategoryNotifyFailed, Status: db.TicketSLAMissedRefunded, CreatedAt: t0, SLADeadline: t0.Add(4 * time.Hour)})
	ticket := f.store.Tickets()[0]

	_, err := f.svc.Escalate(context.Background(), ticket.ID, "", "")
	require.ErrorIs(t, err, tickets.ErrTerminal)
}

func TestAssignAndEscalateOnlyFromPending(t *testing.T) {
	f := newFixture()
	ticket := f.open(t, "c@example.com", db.CategoryPersistFailed)

	assigned, err := f.svc.Assign(context.Background(), ticket.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, db.TicketInProgress, assigned.Status)

	_, err = f.svc.Escalate(context.Background(), ticket.ID, "alice", "needs finance")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusConflict, appErr.HTTPStatus)

	other := f.open(t, "d@example.com", db.CategoryPersistFailed)
	escalated, err := f.svc.Escalate(context.Background(), other.ID, "bob", "needs finance")
	require.NoError(t, err)
	require.Equal(t, db.TicketEscalated, escalated.Status)

	// escalated tickets can still be resolved
	_, err = f.svc.Resolve(context.Background(), other.ID, "bob", "refunded by finance")
	require.NoError(t, err)
}

func TestListSortsFiltersAndAggregates(t *testing.T) {
	f := newFixture()
	old := f.open(t, "old@example.com", db.CategoryMissingOrderData)
	f.now = t0.Add(2 * time.Hour)
	mid := f.open(t, "mid@example.com", db.CategoryMissingOrderData)
	f.now = t0.Add(3 * time.Hour)
	recent := f.open(t, "new@example.com", db.CategoryMissingOrderData)
	_, err := f.svc.Assign(context.Background(), mid.ID, "alice")
	require.NoError(t, err)

	// old breaches at t0+4h, mid at t0+6h
	f.now = t0.Add(6 * time.Hour)
	res, err := f.svc.List(context.Background(), tickets.ListParams{Sort: db.SortUrgency})
	require.NoError(t, err)
	require.Equal(t, 3, res.Pagination.TotalItems)
	require.Equal(t, 2, res.Pagination.PageSize)
	require.Len(t, res.Items, 2)
	require.Equal(t, old.ID, res.Items[0].ID)
	require.Equal(t, mid.ID, res.Items[1].ID)
	require.Equal(t, 2, res.PendingCount)
	require.Equal(t, 2, res.BreachedCount)

	res, err = f.svc.List(context.Background(), tickets.ListParams{Sort: db.SortCreated, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, recent.ID, res.Items[0].ID)

	res, err = f.svc.List(context.Background(), tickets.ListParams{Status: db.TicketInProgress})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, mid.ID, res.Items[0].ID)

	_, err = f.svc.List(context.Background(), tickets.ListParams{Status: "bogus"})
	require.Error(t, err)
}

func newRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), "ops@planbox")))
		})
	})
	r.Route("/admin/tickets", (&tickets.Handler{Service: f.svc}).Routes)
	return r
}

func TestHandlersListAndResolve(t *testing.T) {
	f := newFixture()
	ticket := f.open(t, "a@example.com", db.CategoryNotifyFailed)
	router := newRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/tickets?status=pending&sort=urgency&page=1&page_size=10", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items         []map[string]any `json:"items"`
		PendingCount  int              `json:"pending_count"`
		BreachedCount int              `json:"breached_count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, 1, list.PendingCount)
	require.Equal(t, 0, list.BreachedCount)
	require.Equal(t, "notify-failed", list.Items[0]["category"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/tickets/"+ticket.ID.String()+"/resolve", bytes.NewBufferString(`{"notes":"emailed link by hand"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	var resolved db.Ticket
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resolved))
	require.Equal(t, db.TicketResolved, resolved.Status)
	require.Equal(t, "ops@planbox", *resolved.Assignee)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/tickets/"+ticket.ID.String()+"/resolve", bytes.NewBufferString(`{"notes":"twice"}`)))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandlersRejectBadInput(t *testing.T) {
	f := newFixture()
	ticket := f.open(t, "a@example.com", db.CategoryNotifyFailed)
	router := newRouter(f)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/tickets/not-a-uuid/resolve", bytes.NewBufferString(`{"notes":"x"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/tickets/"+ticket.ID.String()+"/resolve", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "notes")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/tickets/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
