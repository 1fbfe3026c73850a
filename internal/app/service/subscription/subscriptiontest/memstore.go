// Package subscriptiontest provides in-memory fakes for the subscription
// repository's collaborators.
package subscriptiontest

import (
	"context"
	"sort"
	"sync"

	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/models"
	"github.com/fatflowers/entitlement/pkg/types"
)

// MemoryStore implements subscription.Store with the same upsert-on-user_id
// semantics as the SQL store.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*models.Subscription
	byUser   map[string]string
	logs     []*models.SubscriptionLog
	upserts  []*models.Subscription
	failures map[string]error
}

var _ subscription.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]*models.Subscription{},
		byUser:   map[string]string{},
		failures: map[string]error{},
	}
}

// FailOn makes every call of op return err until cleared with a nil err.
// Ops: find_by_id, find_by_user, find_active, upsert, update, append_log, scan.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryStore) fail(op string) error {
	return m.failures[op]
}

// Put seeds a row as-is.
func (m *MemoryStore) Put(row *models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[row.ID] = row.Clone()
	m.byUser[row.UserID] = row.ID
}

// Rows returns copies of all rows for userID. The SQL store can hold at most one.
func (m *MemoryStore) Rows(userID string) []*models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, r := range m.byID {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MemoryStore) Logs() []*models.SubscriptionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.SubscriptionLog(nil), m.logs...)
}

// Upserts returns the candidates in the order the store applied them.
func (m *MemoryStore) Upserts() []*models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Subscription(nil), m.upserts...)
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_by_id"); err != nil {
		return nil, err
	}
	r, ok := m.byID[id]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) FindByUserID(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_by_user"); err != nil {
		return nil, err
	}
	id, ok := m.byUser[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *MemoryStore) FindActiveByUserID(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_active"); err != nil {
		return nil, err
	}
	id, ok := m.byUser[userID]
	if !ok || m.byID[id].Status != types.SubscriptionStatusActive {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *MemoryStore) Upsert(_ context.Context, row *models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert"); err != nil {
		return nil, err
	}
	m.upserts = append(m.upserts, row.Clone())
	if id, ok := m.byUser[row.UserID]; ok {
		cur := m.byID[id]
		cur.PlanType = row.PlanType
		cur.Status = row.Status
		cur.Price = row.Price
		cur.Currency = row.Currency
		cur.ExpiresAt = row.ExpiresAt
		cur.CancelledAt = row.CancelledAt
		cur.Source = row.Source
		cur.UpdatedAt = row.UpdatedAt
		return cur.Clone(), nil
	}
	stored := row.Clone()
	m.byID[stored.ID] = stored
	m.byUser[stored.UserID] = stored.ID
	return stored.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, row *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update"); err != nil {
		return err
	}
	cur, ok := m.byID[row.ID]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	cur.PlanType = row.PlanType
	cur.Status = row.Status
	cur.ExpiresAt = row.ExpiresAt
	cur.CancelledAt = row.Clone().CancelledAt
	cur.Source = row.Source
	cur.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, log *models.SubscriptionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("append_log"); err != nil {
		return err
	}
	m.logs = append(m.logs, log)
	return nil
}

// Scan supports eq filters only; other operators are ignored.
func (m *MemoryStore) Scan(_ context.Context, req *subscription.ScanRequest) ([]*models.Subscription, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("scan"); err != nil {
		return nil, 0, err
	}
	var rows []*models.Subscription
	for _, r := range m.byID {
		if matches(r, req.Filters) {
			rows = append(rows, r.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	total := int64(len(rows))
	if req.From >= len(rows) {
		return nil, total, nil
	}
	rows = rows[req.From:]
	if req.Size > 0 && len(rows) > req.Size {
		rows = rows[:req.Size]
	}
	return rows, total, nil
}

func matches(r *models.Subscription, filters []*types.CommonFilter) bool {
	for _, f := range filters {
		if f.Operator != types.CommonFilterOperatorEq || len(f.Values) == 0 {
			continue
		}
		want, _ := f.Values[0].(string)
		var got string
		switch f.Field {
		case "user_id":
			got = r.UserID
		case "status":
			got = string(r.Status)
		case "plan_type":
			got = string(r.PlanType)
		case "source":
			got = string(r.Source)
		default:
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// Notifier records change events.
type Notifier struct {
	mu     sync.Mutex
	events []subscription.ChangeEvent
}

func (n *Notifier) Notify(_ context.Context, ev subscription.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *Notifier) Events() []subscription.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]subscription.ChangeEvent(nil), n.events...)
}
