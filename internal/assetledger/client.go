// Package assetledger is the HTTP client for the external asset ledger
// service that actually moves the goods being traded.
//
// Flow:
//  1. Escrow opens → RequestTransfer asks the ledger to reserve the asset
//  2. The ledger answers in its own time → done continuation fires once
//  3. Escrow cancels after reservation → best-effort compensating transfer
//
// The client never assumes the ledger answers synchronously. Every request
// runs in its own goroutine with retries and a per-ledger circuit breaker.
package assetledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradelock/escrowd/internal/circuitbreaker"
	"github.com/tradelock/escrowd/internal/retry"
)

var (
	ErrCircuitOpen = errors.New("asset ledger circuit open")
	ErrRejected    = errors.New("asset ledger rejected the transfer")
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "asset_ledger",
	Name:      "requests_total",
	Help:      "Asset ledger requests by operation and result.",
}, []string{"operation", "result"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// TransferRequest asks the asset ledger to move quantity (or an
// amount-priced lot) of the referenced asset between two ledger accounts.
type TransferRequest struct {
	LedgerRef string
	Amount    string // Currency the transfer is priced at, decimal string
	Quantity  int64  // Asset units; 0 lets the ledger size the lot from Amount
	From      string
	To        string
}

// Result is delivered to the continuation when the transfer settles or
// permanently fails.
type Result struct {
	OK               bool
	ReservedQuantity int64
	Err              error
}

// Client talks to one asset ledger service.
type Client struct {
	baseURL     string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// New creates an asset ledger client for the service at baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

type transferBody struct {
	Amount   string `json:"amount,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type transferReply struct {
	ReservedQuantity int64 `json:"reservedQuantity"`
}

// RequestTransfer issues the transfer asynchronously and returns immediately.
// done is invoked exactly once with the outcome; it may be nil when the
// caller does not care (best-effort compensation).
func (c *Client) RequestTransfer(ctx context.Context, req TransferRequest, done func(Result)) {
	go func() {
		start := time.Now()
		reserved, err := c.doTransfer(ctx, req)

		result := "ok"
		if err != nil {
			result = "error"
			c.logger.Warn("asset ledger transfer failed",
				"ledgerRef", req.LedgerRef,
				"from", req.From,
				"to", req.To,
				"error", err,
				"elapsed", time.Since(start))
		} else {
			c.logger.Info("asset ledger transfer complete",
				"ledgerRef", req.LedgerRef,
				"reservedQuantity", reserved,
				"elapsed", time.Since(start))
		}
		requestsTotal.WithLabelValues("transfer", result).Inc()

		if done != nil {
			done(Result{OK: err == nil, ReservedQuantity: reserved, Err: err})
		}
	}()
}

func (c *Client) doTransfer(ctx context.Context, req TransferRequest) (int64, error) {
	endpoint := fmt.Sprintf("%s/v1/ledgers/%s/transfers", c.baseURL, url.PathEscape(req.LedgerRef))

	payload, err := json.Marshal(transferBody{
		Amount:   req.Amount,
		Quantity: req.Quantity,
		From:     req.From,
		To:       req.To,
	})
	if err != nil {
		return 0, err
	}

	var reserved int64
	err = retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		if !c.breaker.Allow(req.LedgerRef) {
			return retry.Permanent(ErrCircuitOpen)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			c.breaker.RecordFailure(req.LedgerRef)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.breaker.RecordSuccess(req.LedgerRef)
			var reply transferReply
			if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
				return retry.Permanent(fmt.Errorf("bad transfer reply: %w", err))
			}
			reserved = reply.ReservedQuantity
			if reserved == 0 {
				reserved = req.Quantity
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The ledger understood and said no. Retrying won't change its mind.
			c.breaker.RecordSuccess(req.LedgerRef)
			io.Copy(io.Discard, resp.Body)
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
		default:
			c.breaker.RecordFailure(req.LedgerRef)
			return fmt.Errorf("asset ledger status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return 0, err
	}
	return reserved, nil
}

type balanceReply struct {
	Balance int64 `json:"balance"`
}

// QueryBalance returns the asset balance of an account on the referenced ledger.
func (c *Client) QueryBalance(ctx context.Context, ledgerRef, accountID string) (int64, error) {
	endpoint := fmt.Sprintf("%s/v1/ledgers/%s/accounts/%s/balance",
		c.baseURL, url.PathEscape(ledgerRef), url.PathEscape(accountID))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("balance", "error").Inc()
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues("balance", "error").Inc()
		return 0, fmt.Errorf("asset ledger status %d", resp.StatusCode)
	}

	var reply balanceReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		requestsTotal.WithLabelValues("balance", "error").Inc()
		return 0, fmt.Errorf("bad balance reply: %w", err)
	}
	requestsTotal.WithLabelValues("balance", "ok").Inc()
	return reply.Balance, nil
}
