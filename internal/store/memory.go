package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/loanpay/internal/domain"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// MemoryLedger is an in-process ledger used by tests and local runs.
// A single mutex linearizes all writes.
type MemoryLedger struct {
	mu     sync.Mutex
	rows   map[string]domain.Transaction // reference -> row
	byTxID map[string]string             // transaction id -> reference
	Now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows:   make(map[string]domain.Transaction),
		byTxID: make(map[string]string),
		Now:    time.Now,
	}
}

func cloneTx(t domain.Transaction) domain.Transaction {
	if t.LastEventPayload != nil {
		t.LastEventPayload = append([]byte(nil), t.LastEventPayload...)
	}
	return t
}

func (m *MemoryLedger) UpsertByReference(_ context.Context, in domain.Transaction) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now().UTC()
	current, ok := m.rows[in.Reference]
	if !ok {
		if in.TransactionID != "" {
			if _, taken := m.byTxID[in.TransactionID]; taken {
				return domain.Transaction{}, domain.ErrReferenceMismatch
			}
		}
		if in.Status == "" {
			in.Status = domain.StatusPending
		}
		in.CreatedAt, in.UpdatedAt = now, now
		m.store(in)
		return cloneTx(in), nil
	}
	if !current.SameOperation(in) {
		return domain.Transaction{}, domain.ErrReferenceMismatch
	}
	merged, _ := current.Merge(in, now)
	if err := m.checkTxID(current, merged); err != nil {
		return domain.Transaction{}, err
	}
	m.store(merged)
	return cloneTx(merged), nil
}

func (m *MemoryLedger) ApplyEvent(_ context.Context, ev domain.StatusEvent) (domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.byTxID[ev.TransactionID]
	if !ok || ev.TransactionID == "" {
		ref = ev.Reference
	}
	current, ok := m.rows[ref]
	if !ok || ref == "" || conflictingID(current, ev) {
		return domain.Transition{}, domain.ErrNotFound
	}
	if !ev.Accepts(current) {
		return domain.Transition{}, domain.ErrKindMismatch
	}
	merged, changed := current.Merge(domain.Transaction{
		TransactionID:    ev.TransactionID,
		Status:           ev.Status,
		LastEventPayload: ev.Payload,
	}, m.Now().UTC())
	if err := m.checkTxID(current, merged); err != nil {
		return domain.Transition{}, err
	}
	m.store(merged)
	return domain.Transition{Transaction: cloneTx(merged), Previous: current.Status, Changed: changed}, nil
}

func (m *MemoryLedger) Get(_ context.Context, key string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.rows[key]; ok {
		return cloneTx(t), nil
	}
	if ref, ok := m.byTxID[key]; ok {
		return cloneTx(m.rows[ref]), nil
	}
	return domain.Transaction{}, domain.ErrNotFound
}

// Len returns the number of ledger rows.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemoryLedger) checkTxID(before, after domain.Transaction) error {
	if before.TransactionID == after.TransactionID {
		return nil
	}
	if ref, taken := m.byTxID[after.TransactionID]; taken && ref != after.Reference {
		return domain.ErrReferenceMismatch
	}
	return nil
}

func (m *MemoryLedger) store(t domain.Transaction) {
	m.rows[t.Reference] = cloneTx(t)
	if t.TransactionID != "" {
		m.byTxID[t.TransactionID] = t.Reference
	}
}

// ─── Notifications ──────────────────────────────────────────────────────────

type MemoryNotifications struct {
	mu     sync.Mutex
	events map[string]domain.NotificationEvent
	Now    func() time.Time
}

func NewMemoryNotifications() *MemoryNotifications {
	return &MemoryNotifications{events: make(map[string]domain.NotificationEvent), Now: time.Now}
}

func (m *MemoryNotifications) Create(_ context.Context, ev domain.NotificationEvent) (domain.NotificationEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[ev.ID]; ok {
		return existing, false, nil
	}
	now := m.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	m.events[ev.ID] = ev
	return ev, true, nil
}

func (m *MemoryNotifications) Finish(_ context.Context, ev domain.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.events[ev.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != domain.NotificationPending {
		return nil
	}
	current.Status = ev.Status
	current.SentAt = ev.SentAt
	current.DeliveryReference = ev.DeliveryReference
	current.ErrorMessage = ev.ErrorMessage
	current.UpdatedAt = m.Now().UTC()
	m.events[ev.ID] = current
	return nil
}

func (m *MemoryNotifications) Get(_ context.Context, id string) (domain.NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return domain.NotificationEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

func (m *MemoryNotifications) PendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.NotificationEvent, error) {
	return m.filter(func(ev domain.NotificationEvent) bool {
		return ev.Status == domain.NotificationPending && ev.CreatedAt.Before(cutoff)
	}, false, limit), nil
}

func (m *MemoryNotifications) ListByClient(_ context.Context, clientID string, limit int) ([]domain.NotificationEvent, error) {
	return m.filter(func(ev domain.NotificationEvent) bool {
		return ev.ClientID == clientID
	}, true, limit), nil
}

// Put stores ev as-is; tests use it to plant stale rows.
func (m *MemoryNotifications) Put(ev domain.NotificationEvent) {
	m.mu.Lock()
	m.events[ev.ID] = ev
	m.mu.Unlock()
}

func (m *MemoryNotifications) filter(keep func(domain.NotificationEvent) bool, newestFirst bool, limit int) []domain.NotificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.NotificationEvent
	for _, ev := range m.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ─── Effects ────────────────────────────────────────────────────────────────

type memoryEffect struct {
	done      bool
	startedAt time.Time
}

type MemoryEffects struct {
	mu      sync.Mutex
	effects map[string]memoryEffect
	Now     func() time.Time
}

func NewMemoryEffects() *MemoryEffects {
	return &MemoryEffects{effects: make(map[string]memoryEffect), Now: time.Now}
}

func (m *MemoryEffects) Claim(_ context.Context, key string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if e, ok := m.effects[key]; ok {
		if e.done || now.Sub(e.startedAt) < staleAfter {
			return false, nil
		}
	}
	m.effects[key] = memoryEffect{startedAt: now}
	return true, nil
}

func (m *MemoryEffects) Complete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effects[key] = memoryEffect{done: true, startedAt: m.effects[key].startedAt}
	return nil
}

func (m *MemoryEffects) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.effects[key]; ok && !e.done {
		delete(m.effects, key)
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

type MemoryTasks struct {
	mu    sync.Mutex
	tasks map[string]domain.ScheduledTask
}

func NewMemoryTasks() *MemoryTasks {
	return &MemoryTasks{tasks: make(map[string]domain.ScheduledTask)}
}

func (m *MemoryTasks) Load(_ context.Context, id string) (domain.ScheduledTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *MemoryTasks) Save(_ context.Context, t domain.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

// ─── Installments ───────────────────────────────────────────────────────────

// MemoryInstallments serves a fixed set of unpaid installments.
type MemoryInstallments struct {
	mu    sync.Mutex
	items []domain.DueItem
	Err   error
}

func NewMemoryInstallments(items ...domain.DueItem) *MemoryInstallments {
	return &MemoryInstallments{items: items}
}

func (m *MemoryInstallments) Add(items ...domain.DueItem) {
	m.mu.Lock()
	m.items = append(m.items, items...)
	m.mu.Unlock()
}

func (m *MemoryInstallments) DueBetween(_ context.Context, from, to time.Time) ([]domain.DueItem, error) {
	from, to = dateOnly(from), dateOnly(to)
	return m.filter(func(due time.Time) bool {
		return !due.Before(from) && !due.After(to)
	})
}

func (m *MemoryInstallments) OverdueSince(_ context.Context, asOf time.Time, minDays int) ([]domain.DueItem, error) {
	latest := dateOnly(asOf).AddDate(0, 0, -minDays)
	return m.filter(func(due time.Time) bool {
		return !due.After(latest)
	})
}

func (m *MemoryInstallments) filter(keep func(time.Time) bool) ([]domain.DueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.DueItem
	for _, it := range m.items {
		if keep(dateOnly(it.Installment.DueDate)) {
			out = append(out, it)
		}
	}
	return out, nil
}
