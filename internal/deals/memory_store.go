package deals

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/channelescrow/internal/syncutil"
)

// MemoryStore is an in-memory deal store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	deals   map[string]*Deal
	byTxn   map[string]string
	history map[string][]AuditEntry
	events  map[string]bool
	nextID  int64

	// Serializes Mutate per deal; mu only guards the maps.
	locks *syncutil.KeyedMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:   make(map[string]*Deal),
		byTxn:   make(map[string]string),
		history: make(map[string][]AuditEntry),
		events:  make(map[string]bool),
		locks:   syncutil.NewKeyedMutex(0),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal, audit []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTxn[d.TransactionID]; ok {
		return ErrDuplicateTransactionID
	}
	m.deals[d.ID] = d.Clone()
	m.byTxn[d.TransactionID] = d.ID
	m.appendAudit(d.ID, audit)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (*Deal, error) {
	m.mu.RLock()
	id, ok := m.byTxn[transactionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrDealNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if listed(d, f) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) History(ctx context.Context, dealID string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.deals[dealID]; !ok {
		return nil, ErrDealNotFound
	}
	return append([]AuditEntry(nil), m.history[dealID]...), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Deal, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := d.Clone()

	change, err := fn(d)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return before, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev := change.Event; ev != nil {
		key := ev.Provider + "/" + ev.EventID
		if m.events[key] {
			return nil, ErrDuplicateEvent
		}
		m.events[key] = true
	}
	m.deals[id] = d.Clone()
	m.appendAudit(id, change.Audit)
	return d.Clone(), nil
}

func (m *MemoryStore) EventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[provider+"/"+eventID], nil
}

// caller holds mu
func (m *MemoryStore) appendAudit(dealID string, entries []AuditEntry) {
	for _, e := range entries {
		m.nextID++
		e.ID = m.nextID
		e.DealID = dealID
		m.history[dealID] = append(m.history[dealID], e)
	}
}

var _ Store = (*MemoryStore)(nil)
