// mock_provider.go - fake payment provider for exercising the real HTTP client
package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"boxoffice/internal/config"
)

// MockProvider mimics the payment provider's REST API: OAuth token issuance,
// charge capture, and refunds. Failure switches let tests force outages.
type MockProvider struct {
	Server *httptest.Server

	mu             sync.Mutex
	charges        map[string]int64 // chargeRef -> amount
	refunds        map[string]int64
	statuses       map[string]string // chargeRef -> provider status
	TokenRequests  int
	ChargeRequests int
	LookupRequests int
	RefundRequests int
	FailAuth       bool
	FailCharges    bool
	FailRefunds    bool
}

// NewMockProvider starts the fake provider and points the payment package at
// it through the sandbox configuration.
func NewMockProvider(t *testing.T) *MockProvider {
	mp := &MockProvider{
		charges:  make(map[string]int64),
		refunds:  make(map[string]int64),
		statuses: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", mp.handleToken)
	mux.HandleFunc("POST /v2/charges", mp.handleCharge)
	mux.HandleFunc("GET /v2/charges/{ref}", mp.handleChargeLookup)
	mux.HandleFunc("POST /v2/charges/{ref}/refund", mp.handleRefund)
	mp.Server = httptest.NewServer(mux)

	os.Setenv("PAYMENT_CLIENT_ID", "test-client-id")
	os.Setenv("PAYMENT_CLIENT_SECRET", "test-client-secret")
	os.Setenv("PAYMENT_MODE", "sandbox")
	os.Setenv("PAYMENT_API_BASE_SANDBOX", mp.Server.URL)
	if err := config.LoadPaymentConfig(); err != nil {
		mp.Server.Close()
		t.Fatalf("Failed to load payment config against mock provider: %v", err)
	}

	t.Cleanup(mp.Server.Close)
	return mp
}

func (mp *MockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	mp.mu.Lock()
	mp.TokenRequests++
	failAuth := mp.FailAuth
	mp.mu.Unlock()

	if failAuth {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	user, _, ok := r.BasicAuth()
	if !ok || user == "" {
		http.Error(w, `{"error":"missing_credentials"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "mock-token-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (mp *MockProvider) handleCharge(w http.ResponseWriter, r *http.Request) {
	mp.mu.Lock()
	mp.ChargeRequests++
	failCharges := mp.FailCharges
	mp.mu.Unlock()

	if !hasBearer(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if failCharges {
		http.Error(w, `{"error":"instrument_declined"}`, http.StatusUnprocessableEntity)
		return
	}

	var payload struct {
		Amount struct {
			ValueMinor int64 `json:"value_minor"`
		} `json:"amount"`
		InvoiceID string `json:"invoice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"malformed_request"}`, http.StatusBadRequest)
		return
	}

	chargeRef := fmt.Sprintf("CH-%s", uuid.NewString())
	mp.mu.Lock()
	mp.charges[chargeRef] = payload.Amount.ValueMinor
	mp.statuses[chargeRef] = "SUBMITTED"
	mp.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     chargeRef,
		"status": "SUBMITTED",
	})
}

// SetChargeStatus sets the status a later lookup reports for a charge.
func (mp *MockProvider) SetChargeStatus(chargeRef, status string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.statuses[chargeRef] = status
}

func (mp *MockProvider) handleChargeLookup(w http.ResponseWriter, r *http.Request) {
	mp.mu.Lock()
	mp.LookupRequests++
	status, known := mp.statuses[r.PathValue("ref")]
	mp.mu.Unlock()

	if !hasBearer(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !known {
		http.Error(w, `{"error":"charge_not_found"}`, http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":     r.PathValue("ref"),
		"status": status,
	}
	if status == "DECLINED" {
		response["failure_reason"] = "instrument_declined"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (mp *MockProvider) handleRefund(w http.ResponseWriter, r *http.Request) {
	mp.mu.Lock()
	mp.RefundRequests++
	failRefunds := mp.FailRefunds
	mp.mu.Unlock()

	if !hasBearer(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if failRefunds {
		http.Error(w, `{"error":"refund_unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	chargeRef := r.PathValue("ref")

	var payload struct {
		Amount struct {
			ValueMinor int64 `json:"value_minor"`
		} `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"malformed_request"}`, http.StatusBadRequest)
		return
	}

	mp.mu.Lock()
	mp.refunds[chargeRef] = payload.Amount.ValueMinor
	mp.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     "RF-" + uuid.NewString(),
		"status": "COMPLETED",
	})
}

func hasBearer(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ChargeAmount returns the captured amount for a charge reference.
func (mp *MockProvider) ChargeAmount(chargeRef string) (int64, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	amount, ok := mp.charges[chargeRef]
	return amount, ok
}

// RefundAmount returns the refunded amount for a charge reference.
func (mp *MockProvider) RefundAmount(chargeRef string) (int64, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	amount, ok := mp.refunds[chargeRef]
	return amount, ok
}
