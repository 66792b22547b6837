package escrow

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.BuyerID]; ok {
		return ErrAlreadyPending
	}
	cp := *record
	m.records[record.BuyerID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, buyerID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[strings.ToLower(buyerID)]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *record
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.BuyerID]; !ok {
		return ErrNotFound
	}
	cp := *record
	m.records[record.BuyerID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, buyerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyerID = strings.ToLower(buyerID)
	if _, ok := m.records[buyerID]; !ok {
		return ErrNotFound
	}
	delete(m.records, buyerID)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		// Only reservation-confirmed records are timeout candidates.
		if r.Reserved() && r.CreatedAt.Before(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		cp := *r
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
