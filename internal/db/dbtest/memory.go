// Package dbtest provides an in-memory db.Store for unit tests.
package dbtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/planbox/internal/db"
)

// Memory mirrors the constraints of the Postgres schema: unique payment ids,
// one job per payment, one open ticket per (email, category), immutable
// deadlines and forward-only statuses.
type Memory struct {
	mu sync.Mutex

	// Now stamps updated_at columns; defaults to time.Now.
	Now func() time.Time
	// Fail makes the named method return the error once.
	Fail map[string]error

	nextID    int64
	payments  map[string]db.PaymentTransaction
	orders    map[uuid.UUID]db.Order
	jobs      map[string]db.DeliveryJob
	tickets   map[uuid.UUID]db.Ticket
	blacklist map[string]db.BlacklistEntry
	txCount   int
}

func NewMemory() *Memory {
	return &Memory{
		Fail:      map[string]error{},
		payments:  map[string]db.PaymentTransaction{},
		orders:    map[uuid.UUID]db.Order{},
		jobs:      map[string]db.DeliveryJob{},
		tickets:   map[uuid.UUID]db.Ticket{},
		blacklist: map[string]db.BlacklistEntry{},
	}
}

var _ db.Store = (*Memory)(nil)

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) fail(name string) error {
	if err, ok := m.Fail[name]; ok {
		delete(m.Fail, name)
		return err
	}
	return nil
}

// ExecTx snapshots state and restores it when fn fails.
func (m *Memory) ExecTx(ctx context.Context, fn func(db.Querier) error) error {
	m.mu.Lock()
	if err := m.fail("ExecTx"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.txCount++
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// TxCount reports how many transactions were started.
func (m *Memory) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount
}

type snapshot struct {
	payments  map[string]db.PaymentTransaction
	orders    map[uuid.UUID]db.Order
	jobs      map[string]db.DeliveryJob
	tickets   map[uuid.UUID]db.Ticket
	blacklist map[string]db.BlacklistEntry
}

func (m *Memory) snapshot() snapshot {
	return snapshot{
		payments:  maps.Clone(m.payments),
		orders:    maps.Clone(m.orders),
		jobs:      maps.Clone(m.jobs),
		tickets:   maps.Clone(m.tickets),
		blacklist: maps.Clone(m.blacklist),
	}
}

func (m *Memory) restore(s snapshot) {
	m.payments = s.payments
	m.orders = s.orders
	m.jobs = s.jobs
	m.tickets = s.tickets
	m.blacklist = s.blacklist
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// payments

func (m *Memory) InsertPayment(_ context.Context, arg db.InsertPaymentParams) (db.PaymentTransaction, db.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertPayment"); err != nil {
		return db.PaymentTransaction{}, db.OutcomeError, err
	}
	if existing, ok := m.payments[arg.ExternalPaymentID]; ok {
		return existing, db.OutcomeAlreadyExists, nil
	}
	m.nextID++
	now := m.now()
	p := db.PaymentTransaction{
		ID:                   m.nextID,
		ExternalPaymentID:    arg.ExternalPaymentID,
		Amount:               arg.Amount,
		Currency:             strings.ToLower(arg.Currency),
		PayerEmail:           arg.PayerEmail,
		PayerEmailNormalized: normalize(arg.PayerEmail),
		PaymentMethod:        arg.PaymentMethod,
		Status:               db.PaymentStatusSucceeded,
		OrderReference:       arg.OrderReference,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.payments[p.ExternalPaymentID] = p
	return p, db.OutcomeCreated, nil
}

func (m *Memory) GetPayment(_ context.Context, externalPaymentID string) (db.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPayment"); err != nil {
		return db.PaymentTransaction{}, err
	}
	p, ok := m.payments[externalPaymentID]
	if !ok {
		return db.PaymentTransaction{}, db.ErrNotFound
	}
	return p, nil
}

func (m *Memory) TransitionPaymentStatus(_ context.Context, arg db.TransitionPaymentStatusParams) (db.PaymentTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionPaymentStatus"); err != nil {
		return db.PaymentTransaction{}, false, err
	}
	p, ok := m.payments[arg.ExternalPaymentID]
	if !ok || p.Status != db.PaymentStatusSucceeded {
		return db.PaymentTransaction{}, false, nil
	}
	p.Status = arg.Status
	p.UpdatedAt = m.now()
	m.payments[p.ExternalPaymentID] = p
	return p, true, nil
}

// orders

func (m *Memory) InsertOrder(_ context.Context, arg db.InsertOrderParams) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Reference == arg.Reference {
			return db.Order{}, fmt.Errorf("%w: orders_reference_key", db.ErrConflict)
		}
	}
	o := db.Order{
		ID:              uuid.New(),
		Reference:       arg.Reference,
		Email:           arg.Email,
		EmailNormalized: normalize(arg.Email),
		Parameters:      arg.Parameters,
		CreatedAt:       m.now(),
	}
	m.orders[o.ID] = o
	return o, nil
}

func (m *Memory) FindOrder(_ context.Context, arg db.FindOrderParams) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindOrder"); err != nil {
		return db.Order{}, err
	}
	var (
		best  db.Order
		found bool
	)
	for _, o := range m.orders {
		if arg.Reference != "" {
			if o.Reference != arg.Reference {
				continue
			}
		} else if o.EmailNormalized != arg.EmailNormalized || o.CreatedAt.Before(arg.Since) {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best, found = o, true
		}
	}
	if !found {
		return db.Order{}, db.ErrNotFound
	}
	return best, nil
}

// delivery jobs

func (m *Memory) InsertDeliveryJob(_ context.Context, arg db.InsertDeliveryJobParams) (db.DeliveryJob, db.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertDeliveryJob"); err != nil {
		return db.DeliveryJob{}, db.OutcomeError, err
	}
	if existing, ok := m.jobs[arg.PaymentID]; ok {
		return existing, db.OutcomeAlreadyExists, nil
	}
	if _, ok := m.payments[arg.PaymentID]; !ok {
		return db.DeliveryJob{}, db.OutcomeError, fmt.Errorf("delivery_jobs_payment_id_fkey: unknown payment %s", arg.PaymentID)
	}
	m.nextID++
	now := m.now()
	j := db.DeliveryJob{
		ID:              m.nextID,
		PaymentID:       arg.PaymentID,
		OrderID:         arg.OrderID,
		Email:           arg.Email,
		EmailNormalized: normalize(arg.Email),
		Parameters:      arg.Parameters,
		Status:          db.JobStatusProcessing,
		Step:            arg.Step,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[j.PaymentID] = j
	return j, db.OutcomeCreated, nil
}

func (m *Memory) GetDeliveryJob(_ context.Context, paymentID string) (db.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetDeliveryJob"); err != nil {
		return db.DeliveryJob{}, err
	}
	j, ok := m.jobs[paymentID]
	if !ok {
		return db.DeliveryJob{}, db.ErrNotFound
	}
	return j, nil
}

func (m *Memory) mutateJob(name, paymentID string, fn func(*db.DeliveryJob) error) (db.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(name); err != nil {
		return db.DeliveryJob{}, err
	}
	j, ok := m.jobs[paymentID]
	if !ok {
		return db.DeliveryJob{}, db.ErrNotFound
	}
	if err := fn(&j); err != nil {
		return db.DeliveryJob{}, err
	}
	j.UpdatedAt = m.now()
	m.jobs[paymentID] = j
	return j, nil
}

func (m *Memory) UpdateJobState(_ context.Context, arg db.UpdateJobStateParams) (db.DeliveryJob, error) {
	return m.mutateJob("UpdateJobState", arg.PaymentID, func(j *db.DeliveryJob) error {
		j.Status = arg.Status
		j.Step = arg.Step
		j.LastError = arg.LastError
		return nil
	})
}

func (m *Memory) SaveGeneration(_ context.Context, arg db.SaveGenerationParams) (db.DeliveryJob, error) {
	return m.mutateJob("SaveGeneration", arg.PaymentID, func(j *db.DeliveryJob) error {
		id := arg.EngineID
		j.GenerationEngineID = &id
		j.Content = slices.Clone(arg.Content)
		j.Step = arg.Step
		j.LastError = nil
		return nil
	})
}

func (m *Memory) SaveArtifact(_ context.Context, arg db.SaveArtifactParams) (db.DeliveryJob, error) {
	return m.mutateJob("SaveArtifact", arg.PaymentID, func(j *db.DeliveryJob) error {
		loc := arg.Location
		j.ArtifactLocation = &loc
		j.Step = arg.Step
		j.LastError = nil
		return nil
	})
}

func (m *Memory) MarkJobNotified(_ context.Context, arg db.MarkJobNotifiedParams) (db.DeliveryJob, error) {
	return m.mutateJob("MarkJobNotified", arg.PaymentID, func(j *db.DeliveryJob) error {
		if j.NotificationSentAt != nil {
			return db.ErrConflict
		}
		at, msg := arg.SentAt, arg.MessageID
		j.NotificationSentAt = &at
		j.NotificationMessageID = &msg
		return nil
	})
}

func (m *Memory) ClearJobArtifacts(_ context.Context, arg db.ClearJobArtifactsParams) (db.DeliveryJob, error) {
	return m.mutateJob("ClearJobArtifacts", arg.PaymentID, func(j *db.DeliveryJob) error {
		if j.Status == db.JobStatusRefunded {
			return db.ErrNotFound
		}
		reason := arg.Reason
		j.ArtifactLocation = nil
		j.GenerationEngineID = nil
		j.Content = nil
		j.NotificationSentAt = nil
		j.NotificationMessageID = nil
		j.Status = db.JobStatusFailed
		j.Step = arg.Step
		j.LastError = &reason
		return nil
	})
}

func (m *Memory) RecordJobRefund(_ context.Context, arg db.RecordJobRefundParams) (db.DeliveryJob, error) {
	return m.mutateJob("RecordJobRefund", arg.PaymentID, func(j *db.DeliveryJob) error {
		j.RefundCount += arg.Increment
		if j.Status == db.JobStatusCompleted || j.Status == db.JobStatusFailed {
			j.Status = db.JobStatusRefunded
		}
		return nil
	})
}

func (m *Memory) CountRecentRefunds(_ context.Context, emailNormalized string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountRecentRefunds"); err != nil {
		return 0, err
	}
	total := 0
	for _, j := range m.jobs {
		if j.EmailNormalized == emailNormalized && !j.CreatedAt.Before(since) {
			total += j.RefundCount
		}
	}
	return total, nil
}

// tickets

func (m *Memory) findOpenLocked(email string, category db.TicketCategory) (db.Ticket, bool) {
	for _, t := range m.tickets {
		if t.EmailNormalized == email && t.Category == category && t.Status.Open() {
			return t, true
		}
	}
	return db.Ticket{}, false
}

func (m *Memory) InsertTicket(_ context.Context, arg db.InsertTicketParams) (db.Ticket, db.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertTicket"); err != nil {
		return db.Ticket{}, db.OutcomeError, err
	}
	email := normalize(arg.Email)
	if open, ok := m.findOpenLocked(email, arg.Category); ok {
		return open, db.OutcomeAlreadyExists, nil
	}
	details := arg.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	t := db.Ticket{
		ID:              uuid.New(),
		PaymentID:       arg.PaymentID,
		Email:           arg.Email,
		EmailNormalized: email,
		Category:        arg.Category,
		Status:          db.TicketPending,
		SLADeadline:     arg.SLADeadline,
		Details:         details,
		CreatedAt:       arg.CreatedAt,
		UpdatedAt:       arg.CreatedAt,
	}
	m.tickets[t.ID] = t
	return t, db.OutcomeCreated, nil
}

func (m *Memory) FindOpenTicket(_ context.Context, emailNormalized string, category db.TicketCategory) (db.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.findOpenLocked(emailNormalized, category); ok {
		return t, nil
	}
	return db.Ticket{}, db.ErrNotFound
}

func (m *Memory) GetTicket(_ context.Context, id uuid.UUID) (db.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTicket"); err != nil {
		return db.Ticket{}, err
	}
	t, ok := m.tickets[id]
	if !ok {
		return db.Ticket{}, db.ErrNotFound
	}
	return t, nil
}

func (m *Memory) filterTickets(status db.TicketStatus) []db.Ticket {
	out := make([]db.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func (m *Memory) ListTickets(_ context.Context, arg db.ListTicketsParams) ([]db.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListTickets"); err != nil {
		return nil, err
	}
	out := m.filterTickets(arg.Status)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if arg.Sort != db.SortCreated && !a.SLADeadline.Equal(b.SLADeadline) {
			return a.SLADeadline.Before(b.SLADeadline)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	if arg.Offset >= len(out) {
		return []db.Ticket{}, nil
	}
	out = out[arg.Offset:]
	if arg.Limit > 0 && len(out) > arg.Limit {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (m *Memory) CountTickets(_ context.Context, status db.TicketStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterTickets(status)), nil
}

func (m *Memory) TicketAggregates(_ context.Context, now time.Time) (db.TicketAggregatesRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var row db.TicketAggregatesRow
	for _, t := range m.tickets {
		if t.Status == db.TicketPending {
			row.PendingCount++
		}
		if t.Status.Open() && !t.SLADeadline.After(now) {
			row.BreachedCount++
		}
	}
	return row, nil
}

func (m *Memory) TransitionTicket(_ context.Context, arg db.TransitionTicketParams) (db.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionTicket"); err != nil {
		return db.Ticket{}, false, err
	}
	t, ok := m.tickets[arg.ID]
	if !ok || !slices.Contains(arg.From, t.Status) {
		return db.Ticket{}, false, nil
	}
	if t.Status.Terminal() {
		return db.Ticket{}, false, fmt.Errorf("%w: ticket %s is in terminal status %s", db.ErrConflict, t.ID, t.Status)
	}
	if arg.To.Open() && arg.To != t.Status {
		if other, exists := m.findOpenLocked(t.EmailNormalized, t.Category); exists && other.ID != t.ID {
			return db.Ticket{}, false, fmt.Errorf("%w: manual_resolution_tickets_open_uniq", db.ErrConflict)
		}
	}
	t.Status = arg.To
	if arg.Assignee != nil {
		v := *arg.Assignee
		t.Assignee = &v
	}
	if arg.Notes != nil {
		v := *arg.Notes
		t.ResolutionNotes = &v
	}
	if arg.ResolvedAt != nil {
		v := *arg.ResolvedAt
		t.ResolvedAt = &v
	}
	t.UpdatedAt = arg.At
	m.tickets[t.ID] = t
	return t, true, nil
}

func (m *Memory) ListBreachedTickets(_ context.Context, now time.Time, limit int) ([]db.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListBreachedTickets"); err != nil {
		return nil, err
	}
	var out []db.Ticket
	for _, t := range m.tickets {
		if t.Status == db.TicketPending && !t.SLADeadline.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// blacklist

func (m *Memory) UpsertBlacklist(_ context.Context, arg db.UpsertBlacklistParams) (db.BlacklistEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertBlacklist"); err != nil {
		return db.BlacklistEntry{}, false, err
	}
	now := m.now()
	existing, ok := m.blacklist[arg.EmailNormalized]
	if ok && !arg.Force && !existing.ExpiresAt.Before(arg.ExpiresAt) {
		return existing, false, nil
	}
	entry := db.BlacklistEntry{
		EmailNormalized: arg.EmailNormalized,
		Reason:          arg.Reason,
		ExpiresAt:       arg.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if ok {
		entry.CreatedAt = existing.CreatedAt
	}
	m.blacklist[arg.EmailNormalized] = entry
	return entry, true, nil
}

func (m *Memory) GetBlacklistEntry(_ context.Context, emailNormalized string) (db.BlacklistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBlacklistEntry"); err != nil {
		return db.BlacklistEntry{}, err
	}
	b, ok := m.blacklist[emailNormalized]
	if !ok {
		return db.BlacklistEntry{}, db.ErrNotFound
	}
	return b, nil
}

// test helpers

// Tickets returns every stored ticket ordered by creation.
func (m *Memory) Tickets() []db.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.tickets))
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Payments returns the number of stored payments.
func (m *Memory) Payments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// Jobs returns the number of stored delivery jobs.
func (m *Memory) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// PutJob overwrites a delivery job, creating its payment when missing.
func (m *Memory) PutJob(j db.DeliveryJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[j.PaymentID]; !ok {
		m.payments[j.PaymentID] = db.PaymentTransaction{
			ExternalPaymentID:    j.PaymentID,
			PayerEmail:           j.Email,
			PayerEmailNormalized: normalize(j.Email),
			Status:               db.PaymentStatusSucceeded,
		}
	}
	if j.EmailNormalized == "" {
		j.EmailNormalized = normalize(j.Email)
	}
	m.jobs[j.PaymentID] = j
}

// PutTicket stores t as-is.
func (m *Memory) PutTicket(t db.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.EmailNormalized == "" {
		t.EmailNormalized = normalize(t.Email)
	}
	m.tickets[t.ID] = t
}

// PutPayment stores p as-is.
func (m *Memory) PutPayment(p db.PaymentTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PayerEmailNormalized == "" {
		p.PayerEmailNormalized = normalize(p.PayerEmail)
	}
	m.payments[p.ExternalPaymentID] = p
}
