package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradelock/escrowd/internal/config"
	"github.com/tradelock/escrowd/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	escrowAccount = "0x00000000000000000000000000000000000000ee"
	buyerAccount  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sellerAccount = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// stubAssets confirms every reservation from its own goroutine, like the
// real client.
type stubAssets struct{}

func (stubAssets) RequestTransfer(_ context.Context, t escrow.AssetTransfer, done func(escrow.AssetResult)) {
	if done != nil {
		go done(escrow.AssetResult{OK: true, ReservedQuantity: 1})
	}
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		EscrowAccount:      escrowAccount,
		FeeAccount:         escrowAccount,
		EscrowFee:          "0.01",
		SettleWindow:       24 * time.Hour,
		ScanInterval:       30 * time.Second,
		AssetLedgerURL:     "http://asset-ledger.test",
		AssetLedgerTimeout: time.Second,
	}
}

// newTestServer creates a server on in-memory stores with a stub asset ledger
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithAssetLedger(stubAssets{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// Scanner has not started, so the aggregate is degraded but the database
	// subsystem reports healthy.
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded' before Run, got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "", nil)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/accounts/:account/deposit",
		"GET:/v1/accounts/:account/balance",
		"GET:/v1/accounts/:account/history",
		"GET:/v1/escrows/:account",
		"POST:/v1/escrows",
		"POST:/v1/escrows/approve",
		"POST:/v1/escrows/cancel",
		"POST:/v1/escrows/scan",
		"GET:/v1/ledgers/:ref/accounts/:account",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end escrow flow over HTTP
// ---------------------------------------------------------------------------

func TestEscrowFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Fund the buyer's custody account.
	w := doJSON(s, "POST", "/v1/accounts/"+buyerAccount+"/deposit", `{"amount":"5.00"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit = %d: %s", w.Code, w.Body.String())
	}

	// Open an escrow as the buyer.
	w = doJSON(s, "POST", "/v1/escrows",
		`{"seller_id":"`+sellerAccount+`","ledger_ref":"ledger-1","amount":"2.00"}`,
		map[string]string{"X-Account-ID": buyerAccount})
	if w.Code != http.StatusCreated {
		t.Fatalf("open escrow = %d: %s", w.Code, w.Body.String())
	}

	// The stub ledger confirms asynchronously; wait for the reservation to
	// land before checking the HTTP view.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err := s.coordinator.ViewPending(context.Background(), buyerAccount)
		if err == nil && record.ReservedQuantity == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = doJSON(s, "GET", "/v1/escrows/"+buyerAccount, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get pending = %d: %s", w.Code, w.Body.String())
	}
	var pending map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &pending); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if q, _ := pending["reservedQuantity"].(float64); q != 1 {
		t.Fatalf("reservedQuantity = %v, want 1", pending["reservedQuantity"])
	}

	// Approve; the held funds move to the seller and the record is gone.
	w = doJSON(s, "POST", "/v1/escrows/approve", "",
		map[string]string{"X-Account-ID": buyerAccount})
	if w.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/accounts/"+sellerAccount+"/balance", "", nil)
	var balance map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if balance["available"] != "1.990000" {
		t.Errorf("seller available = %v, want 1.990000", balance["available"])
	}

	w = doJSON(s, "GET", "/v1/escrows/"+buyerAccount, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("pending after approve = %d, want 404", w.Code)
	}
}

func TestDepositRejectsInvalidAddressParam(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/accounts/not-an-address/deposit", `{"amount":"1.00"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed address, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Graceful shutdown
// ---------------------------------------------------------------------------

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.ready.Load() {
		t.Fatal("server never became ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
