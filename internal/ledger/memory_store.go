package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/tradelock/escrowd/internal/currency"
	"github.com/tradelock/escrowd/internal/idgen"
)

// MemoryStore is an in-memory custody store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
	}
}

func zeroBalance(accountAddr string) *Balance {
	return &Balance{
		AccountAddr: accountAddr,
		Available:   "0.000000",
		Held:        "0.000000",
		TotalIn:     "0.000000",
		TotalOut:    "0.000000",
		UpdatedAt:   time.Now(),
	}
}

// balance returns the stored balance for accountAddr, creating it if needed.
// Caller must hold m.mu.
func (m *MemoryStore) balance(accountAddr string) *Balance {
	bal, ok := m.balances[accountAddr]
	if !ok {
		bal = zeroBalance(accountAddr)
		m.balances[accountAddr] = bal
	}
	return bal
}

func (m *MemoryStore) record(accountAddr, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		AccountAddr: accountAddr,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountAddr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[accountAddr]; ok {
		cp := *bal
		return &cp, nil
	}
	return zeroBalance(accountAddr), nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountAddr, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountAddr)
	avail, _ := currency.Parse(bal.Available)
	total, _ := currency.Parse(bal.TotalIn)
	add, ok := currency.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	bal.Available = currency.Format(avail.Add(avail, add))
	bal.TotalIn = currency.Format(total.Add(total, add))
	bal.UpdatedAt = time.Now()

	m.record(accountAddr, "deposit", amount, reference, description)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, accountAddr, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountAddr)
	avail, _ := currency.Parse(bal.Available)
	held, _ := currency.Parse(bal.Held)
	amt, ok := currency.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	bal.Available = currency.Format(avail.Sub(avail, amt))
	bal.Held = currency.Format(held.Add(held, amt))
	bal.UpdatedAt = time.Now()

	m.record(accountAddr, "lock", amount, reference, description)
	return nil
}

func (m *MemoryStore) ReleaseHeld(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.balance(fromAddr)
	held, _ := currency.Parse(from.Held)
	amt, ok := currency.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if held.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	to := m.balance(toAddr)
	toAvail, _ := currency.Parse(to.Available)
	fromOut, _ := currency.Parse(from.TotalOut)

	from.Held = currency.Format(held.Sub(held, amt))
	from.TotalOut = currency.Format(fromOut.Add(fromOut, amt))
	from.UpdatedAt = time.Now()

	to.Available = currency.Format(toAvail.Add(toAvail, amt))
	to.UpdatedAt = time.Now()

	m.record(fromAddr, "release", amount, reference, description)
	m.record(toAddr, "release_received", amount, reference, description)
	return nil
}

func (m *MemoryStore) ReturnHeld(ctx context.Context, accountAddr, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(accountAddr)
	held, _ := currency.Parse(bal.Held)
	avail, _ := currency.Parse(bal.Available)
	amt, ok := currency.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if held.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	bal.Held = currency.Format(held.Sub(held, amt))
	bal.Available = currency.Format(avail.Add(avail, amt))
	bal.UpdatedAt = time.Now()

	m.record(accountAddr, "refund", amount, reference, description)
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.balance(fromAddr)
	avail, _ := currency.Parse(from.Available)
	amt, ok := currency.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	fromOut, _ := currency.Parse(from.TotalOut)
	from.Available = currency.Format(avail.Sub(avail, amt))
	from.TotalOut = currency.Format(fromOut.Add(fromOut, amt))
	from.UpdatedAt = time.Now()

	// Read the recipient after the debit so a self-transfer sees the
	// debited balance instead of minting the amount.
	to := m.balance(toAddr)
	toAvail, _ := currency.Parse(to.Available)
	to.Available = currency.Format(toAvail.Add(toAvail, amt))
	to.UpdatedAt = time.Now()

	m.record(fromAddr, "fee", amount, reference, description)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountAddr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	// Newest first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountAddr == accountAddr {
			cp := *m.entries[i]
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
