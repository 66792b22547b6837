// Package escrow coordinates currency-for-asset trades between a buyer
// and a seller.
//
// Flow:
//  1. Buyer opens an escrow → fee collected, net amount moved: available → held
//  2. Asset ledger reserves the asset for the buyer (async continuation)
//  3. Buyer approves → held funds released to the seller, record deleted
//  4. Buyer cancels → held funds returned, reserved asset sent back (best effort)
//  5. Timeout → reservation-confirmed escrows settle to the seller
//
// A buyer has at most one pending escrow; the record keyed by buyer is the
// exclusivity primitive. Terminal states delete the record, there are no
// tombstones.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/tradelock/escrowd/internal/currency"
	"github.com/tradelock/escrowd/internal/metrics"
	"github.com/tradelock/escrowd/internal/traces"
)

var (
	ErrInvalidRequest     = errors.New("invalid escrow request")
	ErrAlreadyPending     = errors.New("an escrow is already pending for this buyer")
	ErrNotFound           = errors.New("no pending escrow for this account")
	ErrInsufficientAmount = errors.New("amount does not cover the escrow fee")
	ErrInvalidRecipient   = errors.New("seller cannot be the escrow service itself")
	ErrTransferFailed     = errors.New("currency transfer failed")
)

// Status represents the state of a pending escrow.
type Status string

const (
	StatusOpening   Status = "opening"   // Record created, funds being locked
	StatusReserving Status = "reserving" // Asset reservation requested or confirmed
)

// Terminal outcomes. These never appear on a stored record; they label the
// deletion that ends an escrow.
const (
	OutcomeApproved          = "approved"
	OutcomeExpired           = "expired"
	OutcomeRefunded          = "refunded"
	OutcomeReservationFailed = "reservation_failed"
)

// DefaultFee is the flat coordination fee retained per escrow.
const DefaultFee = "0.01"

// DefaultSettleWindow is how long an escrow may sit before the timeout
// scanner settles it to the seller.
const DefaultSettleWindow = 24 * time.Hour

// Record is one pending escrow, keyed by buyer.
type Record struct {
	BuyerID          string    `json:"buyerId"`
	SellerID         string    `json:"sellerId"`
	LockedAmount     string    `json:"lockedAmount"` // Net of the fee
	LedgerRef        string    `json:"ledgerRef"`
	ReservedQuantity int64     `json:"reservedQuantity"` // 0 until the reservation confirms
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Reserved reports whether the asset reservation has confirmed.
func (r *Record) Reserved() bool {
	return r.ReservedQuantity > 0
}

// Store persists escrow records. Create is the uniqueness primitive: it must
// atomically fail with ErrAlreadyPending when a record exists for the buyer.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, buyerID string) (*Record, error)
	Update(ctx context.Context, record *Record) error
	Delete(ctx context.Context, buyerID string) error
	// ListExpired returns reservation-confirmed records created strictly
	// before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
}

// FundsCustodian abstracts custody operations so escrow doesn't import ledger.
type FundsCustodian interface {
	Lock(ctx context.Context, buyerID, amount, reference string) error
	CollectFee(ctx context.Context, buyerID, amount, reference string) error
	Release(ctx context.Context, buyerID, sellerID, amount, reference string) error
	Refund(ctx context.Context, buyerID, amount, reference string) error
}

// AssetTransfer asks the asset ledger to move the traded goods.
type AssetTransfer struct {
	LedgerRef string
	Amount    string
	Quantity  int64
	From      string
	To        string
}

// AssetResult is the asset ledger's answer, delivered asynchronously.
type AssetResult struct {
	OK               bool
	ReservedQuantity int64
	Err              error
}

// AssetLedger abstracts the external asset ledger. RequestTransfer returns
// immediately; done fires exactly once when the transfer settles or fails,
// and may be nil.
type AssetLedger interface {
	RequestTransfer(ctx context.Context, t AssetTransfer, done func(AssetResult))
}

// Event is an escrow lifecycle notification.
type Event struct {
	Type             string    `json:"type"` // opened, reservation_confirmed, reservation_failed, settled, refunded, expired
	BuyerID          string    `json:"buyerId"`
	SellerID         string    `json:"sellerId"`
	Amount           string    `json:"amount"`
	LedgerRef        string    `json:"ledgerRef"`
	ReservedQuantity int64     `json:"reservedQuantity,omitempty"`
	At               time.Time `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

// OpenRequest contains the parameters for opening an escrow.
type OpenRequest struct {
	SellerID  string `json:"sellerId" binding:"required"`
	LedgerRef string `json:"ledgerRef" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// Coordinator implements the escrow state machine.
type Coordinator struct {
	store    Store
	funds    FundsCustodian
	assets   AssetLedger
	sink     EventSink
	identity string // The coordinator's own custodial account
	fee      string
	window   time.Duration
	logger   *slog.Logger
	locks    sync.Map // per-buyer locks serializing state transitions
	nowFn    func() time.Time
}

// NewCoordinator creates an escrow coordinator. identity is the coordinator's
// own custodial account address; it is never a valid seller.
func NewCoordinator(store Store, funds FundsCustodian, assets AssetLedger, identity string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		funds:    funds,
		assets:   assets,
		identity: strings.ToLower(identity),
		fee:      DefaultFee,
		window:   DefaultSettleWindow,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// WithFee overrides the flat coordination fee.
func (c *Coordinator) WithFee(fee string) *Coordinator {
	if currency.IsPositive(fee) {
		c.fee = fee
	}
	return c
}

// WithSettleWindow overrides the timeout settle window.
func (c *Coordinator) WithSettleWindow(window time.Duration) *Coordinator {
	if window > 0 {
		c.window = window
	}
	return c
}

// WithEventSink adds a lifecycle event sink.
func (c *Coordinator) WithEventSink(sink EventSink) *Coordinator {
	c.sink = sink
	return c
}

// buyerLock returns the mutex serializing transitions for one buyer.
// This prevents approve, cancel, the reservation continuation, and the
// timeout scanner from racing on the same record.
func (c *Coordinator) buyerLock(buyerID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(buyerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Coordinator) publish(eventType string, r *Record) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(Event{
		Type:             eventType,
		BuyerID:          r.BuyerID,
		SellerID:         r.SellerID,
		Amount:           r.LockedAmount,
		LedgerRef:        r.LedgerRef,
		ReservedQuantity: r.ReservedQuantity,
		At:               c.nowFn(),
	})
}

// Open creates a new escrow for the buyer: collects the fee, locks the net
// amount, and requests the asset reservation. The reservation completes
// asynchronously via OnReservationComplete.
func (c *Coordinator) Open(ctx context.Context, buyerID string, req OpenRequest) (*Record, error) {
	buyerID = strings.ToLower(buyerID)
	sellerID := strings.ToLower(req.SellerID)

	ctx, span := traces.StartSpan(ctx, "escrow.open",
		traces.Buyer(buyerID), traces.Seller(sellerID),
		traces.Amount(req.Amount), traces.LedgerRef(req.LedgerRef))
	defer span.End()

	if buyerID == "" || sellerID == "" || req.LedgerRef == "" {
		return nil, ErrInvalidRequest
	}
	if buyerID == sellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same account", ErrInvalidRequest)
	}
	if buyerID == c.identity {
		return nil, fmt.Errorf("%w: the escrow service cannot buy for itself", ErrInvalidRequest)
	}
	if sellerID == c.identity {
		return nil, ErrInvalidRecipient
	}

	amount, ok := currency.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidRequest)
	}
	fee, _ := currency.Parse(c.fee)
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return nil, ErrInsufficientAmount
	}

	mu := c.buyerLock(buyerID)
	mu.Lock()
	defer mu.Unlock()

	record := &Record{
		BuyerID:      buyerID,
		SellerID:     sellerID,
		LockedAmount: currency.Format(net),
		LedgerRef:    req.LedgerRef,
		Status:       StatusOpening,
		CreatedAt:    c.nowFn(),
	}

	// Claiming the buyer slot first makes the store the arbiter of
	// at-most-one-pending; concurrent opens lose here with no funds moved.
	if err := c.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if err := c.funds.Lock(ctx, buyerID, record.LockedAmount, buyerID); err != nil {
		if delErr := c.store.Delete(ctx, buyerID); delErr != nil {
			c.logger.Error("CRITICAL: lock failed but escrow record remains",
				"buyer", buyerID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := c.funds.CollectFee(ctx, buyerID, c.fee, buyerID); err != nil {
		// Give back the lock so the failed open leaves no trace.
		if refundErr := c.funds.Refund(ctx, buyerID, record.LockedAmount, buyerID); refundErr != nil {
			c.logger.Error("CRITICAL: fee collection failed and refund of locked funds failed",
				"buyer", buyerID, "amount", record.LockedAmount, "error", refundErr)
		}
		if delErr := c.store.Delete(ctx, buyerID); delErr != nil {
			c.logger.Error("CRITICAL: fee collection failed but escrow record remains",
				"buyer", buyerID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	record.Status = StatusReserving
	if err := c.store.Update(ctx, record); err != nil {
		c.logger.Error("failed to mark escrow reserving", "buyer", buyerID, "error", err)
	}

	metrics.EscrowsOpenedTotal.Inc()
	metrics.PendingEscrows.Inc()
	c.publish("opened", record)
	c.logger.Info("escrow opened",
		"buyer", buyerID,
		"seller", sellerID,
		"ledgerRef", record.LedgerRef,
		"lockedAmount", record.LockedAmount)

	// The reservation moves the asset seller → buyer. It outlives the
	// request that opened the escrow.
	start := c.nowFn()
	c.assets.RequestTransfer(context.Background(), AssetTransfer{
		LedgerRef: record.LedgerRef,
		Amount:    record.LockedAmount,
		From:      sellerID,
		To:        buyerID,
	}, func(res AssetResult) {
		metrics.ReservationDuration.Observe(time.Since(start).Seconds())
		c.OnReservationComplete(buyerID, res)
	})

	return record, nil
}

// OnReservationComplete is the continuation for the asset reservation issued
// by Open. It is idempotent: a missing record (the escrow already settled or
// was cancelled) is a no-op.
func (c *Coordinator) OnReservationComplete(buyerID string, res AssetResult) {
	ctx := context.Background()
	buyerID = strings.ToLower(buyerID)

	mu := c.buyerLock(buyerID)
	mu.Lock()
	defer mu.Unlock()

	record, err := c.store.Get(ctx, buyerID)
	if err != nil {
		// The escrow is gone; the currency leg was already resolved.
		c.logger.Debug("reservation completed for absent escrow", "buyer", buyerID)
		return
	}

	if !res.OK {
		metrics.ReservationsTotal.WithLabelValues("failed").Inc()
		c.logger.Warn("asset reservation failed, refunding buyer",
			"buyer", buyerID,
			"ledgerRef", record.LedgerRef,
			"error", res.Err)

		if err := c.funds.Refund(ctx, buyerID, record.LockedAmount, buyerID); err != nil {
			// Funds stay held and the record stays pending for the next resolution attempt.
			c.logger.Error("refund after failed reservation failed",
				"buyer", buyerID, "error", err)
			return
		}
		if err := c.store.Delete(ctx, buyerID); err != nil {
			c.logger.Error("failed to delete escrow after refund", "buyer", buyerID, "error", err)
			return
		}
		metrics.PendingEscrows.Dec()
		metrics.EscrowsSettledTotal.WithLabelValues(OutcomeReservationFailed).Inc()
		c.publish("reservation_failed", record)
		return
	}

	record.ReservedQuantity = res.ReservedQuantity
	record.Status = StatusReserving
	if err := c.store.Update(ctx, record); err != nil {
		c.logger.Error("failed to record confirmed reservation", "buyer", buyerID, "error", err)
		return
	}
	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	c.publish("reservation_confirmed", record)
	c.logger.Info("asset reservation confirmed",
		"buyer", buyerID,
		"ledgerRef", record.LedgerRef,
		"reservedQuantity", res.ReservedQuantity)
}

// Approve finalizes the caller's pending escrow: held funds go to the seller
// and the record is deleted. A failed release leaves the record untouched.
func (c *Coordinator) Approve(ctx context.Context, callerID string) (*Record, error) {
	callerID = strings.ToLower(callerID)

	ctx, span := traces.StartSpan(ctx, "escrow.approve", traces.Buyer(callerID))
	defer span.End()

	mu := c.buyerLock(callerID)
	mu.Lock()
	defer mu.Unlock()

	record, err := c.store.Get(ctx, callerID)
	if err != nil {
		return nil, err
	}

	if err := c.funds.Release(ctx, record.BuyerID, record.SellerID, record.LockedAmount, record.BuyerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := c.store.Delete(ctx, callerID); err != nil {
		c.logger.Error("CRITICAL: funds released but escrow record remains",
			"buyer", callerID, "seller", record.SellerID, "error", err)
		return nil, fmt.Errorf("failed to close escrow after release: %w", err)
	}

	metrics.PendingEscrows.Dec()
	metrics.EscrowsSettledTotal.WithLabelValues(OutcomeApproved).Inc()
	c.publish("settled", record)
	c.logger.Info("escrow approved",
		"buyer", record.BuyerID,
		"seller", record.SellerID,
		"amount", record.LockedAmount)
	return record, nil
}

// Cancel aborts the caller's pending escrow: held funds return to the buyer
// and, if the asset reservation confirmed, a best-effort compensating
// transfer sends the asset back to the seller. A failed refund leaves the
// record untouched.
func (c *Coordinator) Cancel(ctx context.Context, callerID string) (*Record, error) {
	callerID = strings.ToLower(callerID)

	ctx, span := traces.StartSpan(ctx, "escrow.cancel", traces.Buyer(callerID))
	defer span.End()

	mu := c.buyerLock(callerID)
	mu.Lock()
	defer mu.Unlock()

	record, err := c.store.Get(ctx, callerID)
	if err != nil {
		return nil, err
	}

	if err := c.funds.Refund(ctx, record.BuyerID, record.LockedAmount, record.BuyerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := c.store.Delete(ctx, callerID); err != nil {
		c.logger.Error("CRITICAL: funds refunded but escrow record remains",
			"buyer", callerID, "error", err)
		return nil, fmt.Errorf("failed to close escrow after refund: %w", err)
	}

	if record.Reserved() {
		// The asset already moved to the buyer; send it back. Failures are
		// logged and counted, never surfaced: the currency leg is done.
		c.assets.RequestTransfer(context.Background(), AssetTransfer{
			LedgerRef: record.LedgerRef,
			Quantity:  record.ReservedQuantity,
			From:      record.BuyerID,
			To:        record.SellerID,
		}, func(res AssetResult) {
			if res.OK {
				metrics.CompensationsTotal.WithLabelValues("ok").Inc()
				return
			}
			metrics.CompensationsTotal.WithLabelValues("failed").Inc()
			c.logger.Error("compensating asset transfer failed",
				"buyer", record.BuyerID,
				"seller", record.SellerID,
				"ledgerRef", record.LedgerRef,
				"quantity", record.ReservedQuantity,
				"error", res.Err)
		})
	}

	metrics.PendingEscrows.Dec()
	metrics.EscrowsSettledTotal.WithLabelValues(OutcomeRefunded).Inc()
	c.publish("refunded", record)
	c.logger.Info("escrow cancelled",
		"buyer", record.BuyerID,
		"seller", record.SellerID,
		"amount", record.LockedAmount)
	return record, nil
}

// TimeoutScan settles every reservation-confirmed escrow whose settle window
// has strictly elapsed, in the seller's favor. Returns the number settled.
// Safe to call concurrently; each record is re-read under its buyer lock.
func (c *Coordinator) TimeoutScan(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.timeout_scan")
	defer span.End()

	before := c.nowFn().Add(-c.window)

	expired, err := c.store.ListExpired(ctx, before, 100)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, candidate := range expired {
		if c.settleExpired(ctx, candidate.BuyerID, before) {
			settled++
		}
	}
	return settled, nil
}

func (c *Coordinator) settleExpired(ctx context.Context, buyerID string, before time.Time) bool {
	mu := c.buyerLock(buyerID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under lock: an approve or cancel may have won the race.
	record, err := c.store.Get(ctx, buyerID)
	if err != nil {
		return false
	}
	if !record.Reserved() || !record.CreatedAt.Before(before) {
		return false
	}

	if err := c.funds.Release(ctx, record.BuyerID, record.SellerID, record.LockedAmount, record.BuyerID); err != nil {
		c.logger.Warn("timeout settlement release failed",
			"buyer", record.BuyerID, "error", err)
		return false
	}
	if err := c.store.Delete(ctx, buyerID); err != nil {
		c.logger.Error("CRITICAL: funds released on timeout but escrow record remains",
			"buyer", buyerID, "error", err)
		return false
	}

	metrics.PendingEscrows.Dec()
	metrics.TimeoutScanSettled.Inc()
	metrics.EscrowsSettledTotal.WithLabelValues(OutcomeExpired).Inc()
	c.publish("expired", record)
	c.logger.Info("escrow settled on timeout",
		"buyer", record.BuyerID,
		"seller", record.SellerID,
		"amount", record.LockedAmount,
		"age", c.nowFn().Sub(record.CreatedAt))
	return true
}

// ViewPending returns the account's pending escrow, or ErrNotFound.
func (c *Coordinator) ViewPending(ctx context.Context, accountID string) (*Record, error) {
	return c.store.Get(ctx, strings.ToLower(accountID))
}
