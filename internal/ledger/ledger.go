// Package ledger tracks custodial currency balances for escrow participants.
//
// Flow:
//  1. Buyer deposits currency → available balance credited
//  2. Escrow opens → fee collected, net amount moved: available → held
//  3. Escrow settles → buyer's held → seller's available
//  4. Escrow refunds → buyer's held → buyer's available
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tradelock/escrowd/internal/currency"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRecipient    = errors.New("cannot transfer to the custodian itself")
)

// Entry is one row of the custody audit trail.
type Entry struct {
	ID          string    `json:"id"`
	AccountAddr string    `json:"accountAddr"`
	Type        string    `json:"type"` // deposit, lock, release, refund, fee
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // escrow buyer address
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents an account's custodial balance.
type Balance struct {
	AccountAddr string    `json:"accountAddr"`
	Available   string    `json:"available"` // Can be locked or withdrawn
	Held        string    `json:"held"`      // Locked for a pending escrow
	TotalIn     string    `json:"totalIn"`   // Lifetime deposits
	TotalOut    string    `json:"totalOut"`  // Lifetime releases to other accounts
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists custody data. Balance checks happen inside the store so the
// check-and-move is atomic per account.
type Store interface {
	GetBalance(ctx context.Context, accountAddr string) (*Balance, error)
	// Credit adds amount to an account's available balance.
	Credit(ctx context.Context, accountAddr, amount, reference, description string) error
	// Hold moves amount from available to held. ErrInsufficientBalance on shortfall.
	Hold(ctx context.Context, accountAddr, amount, reference, description string) error
	// ReleaseHeld moves amount from one account's held to another's available.
	ReleaseHeld(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error
	// ReturnHeld moves amount from held back to the same account's available.
	ReturnHeld(ctx context.Context, accountAddr, amount, reference, description string) error
	// Transfer moves amount between two accounts' available balances.
	Transfer(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error
	GetHistory(ctx context.Context, accountAddr string, limit int) ([]*Entry, error)
}

// Custodian implements the funds-custody operations the escrow coordinator
// relies on. It is constructed with its own account identity; transfers to
// that identity are rejected.
type Custodian struct {
	store    Store
	identity string // The custodian's own account address
	treasury string // Fee treasury account
}

// New creates a custodian over the given store. treasury may equal identity.
func New(store Store, identity, treasury string) *Custodian {
	identity = strings.ToLower(identity)
	treasury = strings.ToLower(treasury)
	if treasury == "" {
		treasury = identity
	}
	return &Custodian{store: store, identity: identity, treasury: treasury}
}

// Identity returns the custodian's own account address.
func (c *Custodian) Identity() string { return c.identity }

// Deposit credits an account's available balance (the funding path).
func (c *Custodian) Deposit(ctx context.Context, accountAddr, amount, reference string) error {
	if !currency.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return c.store.Credit(ctx, strings.ToLower(accountAddr), amount, reference, "deposit")
}

// Lock moves amount from an account's available balance into held funds.
func (c *Custodian) Lock(ctx context.Context, accountAddr, amount, reference string) error {
	if !currency.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return c.store.Hold(ctx, strings.ToLower(accountAddr), amount, reference, "escrow_lock")
}

// CollectFee moves the flat coordination fee from an account's available
// balance to the fee treasury.
func (c *Custodian) CollectFee(ctx context.Context, accountAddr, amount, reference string) error {
	if !currency.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return c.store.Transfer(ctx, strings.ToLower(accountAddr), c.treasury, amount, reference, "escrow_fee")
}

// Release moves held funds from the buyer to the seller's available balance.
// The seller must not be the custodian itself.
func (c *Custodian) Release(ctx context.Context, buyerAddr, sellerAddr, amount, reference string) error {
	if !currency.IsPositive(amount) {
		return ErrInvalidAmount
	}
	sellerAddr = strings.ToLower(sellerAddr)
	if sellerAddr == c.identity {
		return ErrInvalidRecipient
	}
	return c.store.ReleaseHeld(ctx, strings.ToLower(buyerAddr), sellerAddr, amount, reference, "escrow_release")
}

// Refund returns held funds to the buyer's available balance.
func (c *Custodian) Refund(ctx context.Context, buyerAddr, amount, reference string) error {
	if !currency.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return c.store.ReturnHeld(ctx, strings.ToLower(buyerAddr), amount, reference, "escrow_refund")
}

// GetBalance returns an account's current custodial balance.
func (c *Custodian) GetBalance(ctx context.Context, accountAddr string) (*Balance, error) {
	return c.store.GetBalance(ctx, strings.ToLower(accountAddr))
}

// GetHistory returns custody entries for an account.
func (c *Custodian) GetHistory(ctx context.Context, accountAddr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.GetHistory(ctx, strings.ToLower(accountAddr), limit)
}
