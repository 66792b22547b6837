//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/tradelock/escrowd/internal/testutil"
)

func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_CreditAndHold(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.Credit(ctx, buyerAddr, "10.00", "dep_1", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Hold(ctx, buyerAddr, "4.00", buyerAddr, "escrow_lock"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, buyerAddr)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "6.000000" || bal.Held != "4.000000" {
		t.Errorf("balance = available %s / held %s, want 6 / 4", bal.Available, bal.Held)
	}
}

func TestPostgresStore_HoldOverdraftRejected(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.Credit(ctx, buyerAddr, "1.00", "dep_1", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Hold(ctx, buyerAddr, "2.00", buyerAddr, "escrow_lock"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Hold = %v, want ErrInsufficientBalance", err)
	}
}

func TestPostgresStore_ReleaseHeldMovesFunds(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	store.Credit(ctx, buyerAddr, "5.00", "dep_1", "deposit")
	store.Hold(ctx, buyerAddr, "5.00", buyerAddr, "escrow_lock")

	if err := store.ReleaseHeld(ctx, buyerAddr, sellerAddr, "5.00", buyerAddr, "escrow_release"); err != nil {
		t.Fatalf("ReleaseHeld failed: %v", err)
	}

	sellerBal, _ := store.GetBalance(ctx, sellerAddr)
	if sellerBal.Available != "5.000000" {
		t.Errorf("seller available = %s, want 5.000000", sellerBal.Available)
	}

	// Nothing held anymore; a repeat release must fail.
	if err := store.ReleaseHeld(ctx, buyerAddr, sellerAddr, "5.00", buyerAddr, "escrow_release"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("repeat ReleaseHeld = %v, want ErrInsufficientBalance", err)
	}
}

func TestPostgresStore_History(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	store.Credit(ctx, buyerAddr, "5.00", "dep_1", "deposit")
	store.Hold(ctx, buyerAddr, "2.00", buyerAddr, "escrow_lock")
	store.ReturnHeld(ctx, buyerAddr, "2.00", buyerAddr, "escrow_refund")

	entries, err := store.GetHistory(ctx, buyerAddr, 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}
