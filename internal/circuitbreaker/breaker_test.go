package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("ledger1") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("ledger1")
	b.RecordFailure("ledger1")
	if !b.Allow("ledger1") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("ledger1")
	if b.Allow("ledger1") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ledger1") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("ledger1"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger1")
	b.RecordFailure("ledger1")
	if b.Allow("ledger1") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("ledger1") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("ledger1") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("ledger1"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("ledger1") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger1")
	b.RecordFailure("ledger1")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ledger1") // Transitions to half-open

	b.RecordSuccess("ledger1")
	if b.State("ledger1") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("ledger1"))
	}
	if !b.Allow("ledger1") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger1")
	b.RecordFailure("ledger1")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ledger1") // half-open

	b.RecordFailure("ledger1")
	if b.State("ledger1") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("ledger1"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("ledger1")
	if b.Allow("ledger1") {
		t.Fatal("ledger1 should be open")
	}
	if !b.Allow("ledger2") {
		t.Fatal("ledger2 should be unaffected")
	}
}
