package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scanner periodically runs the timeout scan, settling abandoned
// reservation-confirmed escrows to their sellers.
type Scanner struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewScanner creates a timeout scanner over the coordinator.
func NewScanner(coordinator *Coordinator, interval time.Duration, logger *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the scan loop is actively running.
func (s *Scanner) Running() bool {
	return s.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (s *Scanner) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeScan(ctx)
		}
	}
}

// Stop signals the scanner to stop.
func (s *Scanner) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scanner) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in timeout scanner", "panic", fmt.Sprint(r))
		}
	}()

	settled, err := s.coordinator.TimeoutScan(ctx)
	if err != nil {
		s.logger.Warn("timeout scan failed", "error", err)
		return
	}
	if settled > 0 {
		s.logger.Info("timeout scan settled escrows", "count", settled)
	}
}
