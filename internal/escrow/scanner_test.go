package escrow

import (
	"context"
	"testing"
	"time"
)

func TestScanner_StartStop(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	s := NewScanner(c, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)

	deadline := time.After(time.Second)
	for !s.Running() {
		select {
		case <-deadline:
			t.Fatal("scanner never started")
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
	deadline = time.After(time.Second)
	for s.Running() {
		select {
		case <-deadline:
			t.Fatal("scanner never stopped")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestScanner_SettlesExpiredEscrows(t *testing.T) {
	c, funds, assets, _ := newTestCoordinator()
	c = c.WithSettleWindow(time.Hour)
	ctx := context.Background()

	opened := time.Now().Add(-2 * time.Hour)
	c.nowFn = func() time.Time { return opened }
	if _, err := c.Open(ctx, buyer, openRequest()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	assets.complete(0, AssetResult{OK: true, ReservedQuantity: 2})
	c.nowFn = time.Now

	s := NewScanner(c, 5*time.Millisecond, testLogger())
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Start(scanCtx)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := c.ViewPending(ctx, buyer); err != nil {
			break // Settled and deleted
		}
		select {
		case <-deadline:
			t.Fatal("scanner never settled the expired escrow")
		case <-time.After(5 * time.Millisecond):
		}
	}

	funds.mu.Lock()
	released := len(funds.released)
	funds.mu.Unlock()
	if released != 1 {
		t.Errorf("released %d times, want 1", released)
	}
}
