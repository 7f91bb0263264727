// test_helpers.go - shared fixtures for integration tests
package testing

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/checkin"
	"boxoffice/internal/config"
	"boxoffice/internal/data"
	"boxoffice/internal/fault"
	"boxoffice/internal/fulfillment"
	"boxoffice/internal/inventory"
	"boxoffice/internal/middleware"
	"boxoffice/internal/order"
	"boxoffice/internal/payment"
	"boxoffice/internal/security"
)

// TestConfig holds configuration for test runs
type TestConfig struct {
	DBPath      string
	TestDataDir string
}

// TestSuite provides utilities for integration testing
type TestSuite struct {
	Config      TestConfig
	Server      *httptest.Server
	Client      *http.Client
	DB          *sql.DB
	Inventory   *inventory.Service
	Charges     *MockChargeClient
	Fulfillment *fulfillment.Service
	Orders      *order.Service
	Checkin     *checkin.Service
	mu          sync.Mutex
	testCount   int
}

// NewTestSuite creates a suite backed by a temporary database and wires the
// full service stack against a mock payment provider.
func NewTestSuite(t *testing.T) *TestSuite {
	testDir := filepath.Join(os.TempDir(), fmt.Sprintf("boxoffice_test_%d_%d",
		time.Now().UnixNano(), os.Getpid()))
	if err := os.MkdirAll(testDir, 0755); err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}

	dbPath := filepath.Join(testDir, fmt.Sprintf("test_%d.db", time.Now().UnixNano()))

	suite := &TestSuite{
		Config: TestConfig{DBPath: dbPath, TestDataDir: testDir},
		Client: &http.Client{Timeout: 30 * time.Second},
	}

	if err := suite.InitDatabase(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	// Webhook signatures are not verifiable against a mock provider.
	config.UseMockWebhookVerification = true

	suite.Inventory = inventory.NewService(4.0)
	suite.Charges = NewMockChargeClient()
	suite.Fulfillment = fulfillment.NewService()
	suite.Orders = order.NewService(suite.Inventory, suite.Charges, suite.Fulfillment)
	suite.Checkin = checkin.NewService()

	payment.SetOutcomeHandler(suite.Fulfillment.HandleOutcome)

	t.Cleanup(func() {
		suite.Cleanup()
	})

	return suite
}

// InitDatabase sets up the test database with the production schema
func (ts *TestSuite) InitDatabase() error {
	if err := data.InitDB(ts.Config.DBPath); err != nil {
		return fmt.Errorf("failed to init data package: %w", err)
	}

	db, err := data.GetDB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	ts.DB = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := data.CreateTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// StartServer exposes the suite's handlers on an httptest server with the
// same routes the real binary serves.
func (ts *TestSuite) StartServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", middleware.APIMiddleware(ts.Orders.PlaceOrderHandler))
	mux.HandleFunc("GET /api/order-details", middleware.TokenAPIMiddleware(ts.Orders.OrderDetailsHandler))
	mux.HandleFunc("POST /api/orders/complete", middleware.TokenAPIMiddleware(ts.Orders.CompleteOrderHandler))
	mux.HandleFunc("POST /api/payment-webhook", payment.ProviderWebhookHandler)
	mux.HandleFunc("POST /api/scan", middleware.DeviceAPIMiddleware(ts.Checkin.ScanHandler))
	mux.HandleFunc("POST /api/events/{id}/check-ins/batch", middleware.DeviceAPIMiddleware(ts.Checkin.BatchHandler))
	mux.HandleFunc("GET /api/events/{id}/check-ins/snapshot", middleware.DeviceAPIMiddleware(ts.Checkin.SnapshotHandler))

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Server.Close)
}

// Cleanup removes temporary test files and closes the database
func (ts *TestSuite) Cleanup() {
	if err := data.CloseDB(); err != nil {
		fmt.Printf("Warning: failed to close test database: %v\n", err)
	}

	time.Sleep(200 * time.Millisecond)

	if err := os.RemoveAll(ts.Config.TestDataDir); err != nil {
		fmt.Printf("Warning: failed to cleanup test directory %s: %v\n", ts.Config.TestDataDir, err)
	}
}

// =============================================================================
// SEED HELPERS
// =============================================================================

// SeedEvent inserts a published event with an open sale window.
func (ts *TestSuite) SeedEvent(t *testing.T) *data.Event {
	t.Helper()

	event := data.Event{
		ID:                ts.GenerateID("evt"),
		Name:              "Fall Showcase",
		Status:            data.EventPublished,
		SaleStartsAt:      time.Now().Add(-24 * time.Hour).UTC(),
		SaleEndsAt:        time.Now().Add(24 * time.Hour).UTC(),
		ServiceFeePct:     -1,
		OrganizerSharePct: 90,
	}
	if err := data.InsertEvent(event); err != nil {
		t.Fatalf("Failed to seed event: %v", err)
	}
	return &event
}

// SeedTier inserts an active tier for the event.
func (ts *TestSuite) SeedTier(t *testing.T, eventID, name string, price int64, quantity int) *data.Tier {
	t.Helper()

	tier := data.Tier{
		ID:          ts.GenerateID("tier"),
		EventID:     eventID,
		Name:        name,
		Price:       price,
		Quantity:    quantity,
		Status:      data.TierActive,
		MaxPerOrder: 10,
	}
	if err := data.InsertTier(tier); err != nil {
		t.Fatalf("Failed to seed tier: %v", err)
	}
	return &tier
}

// SeedDevice registers a gate device key and returns it.
func (ts *TestSuite) SeedDevice(t *testing.T) (deviceID, deviceKey string) {
	t.Helper()

	deviceID = ts.GenerateID("gate")
	deviceKey, err := security.RegisterDeviceKey(deviceID)
	if err != nil {
		t.Fatalf("Failed to register device key: %v", err)
	}
	return deviceID, deviceKey
}

// PlaceOrder runs the full placement path (quote, insert, mock charge) and
// returns the stored order.
func (ts *TestSuite) PlaceOrder(t *testing.T, eventID string, lines []inventory.Line, buyerEmail string) *data.Order {
	t.Helper()

	event, err := data.GetEventByID(eventID)
	ts.AssertNoError(t, err)
	tierRows, err := data.GetTiersByEvent(eventID)
	ts.AssertNoError(t, err)
	tiers := make(map[string]data.Tier, len(tierRows))
	for _, tr := range tierRows {
		tiers[tr.ID] = tr
	}

	quote, err := ts.Inventory.BuildQuote(event, tiers, lines, time.Now())
	ts.AssertNoError(t, err)

	orderNumber, err := order.GenerateOrderNumber()
	ts.AssertNoError(t, err)
	accessToken, err := security.GenerateAccessToken()
	ts.AssertNoError(t, err)

	ord := data.Order{
		ID:          orderNumber,
		EventID:     eventID,
		BuyerName:   "Test Buyer",
		BuyerEmail:  buyerEmail,
		Subtotal:    quote.Subtotal,
		ServiceFee:  quote.ServiceFee,
		Total:       quote.Total,
		Status:      data.OrderPending,
		AccessToken: accessToken,
		CreatedAt:   time.Now().UTC(),
	}
	for _, line := range quote.Lines {
		ord.Items = append(ord.Items, data.OrderItem{
			OrderID:   orderNumber,
			TierID:    line.TierID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	ts.AssertNoError(t, data.InsertOrder(ord))

	charge, err := ts.Charges.RequestCharge(context.Background(), payment.ChargeRequest{
		OrderID: orderNumber, Amount: quote.Total, Currency: "USD",
	})
	ts.AssertNoError(t, err)
	ts.AssertNoError(t, data.NewOrderRepository().SetChargeRef(orderNumber, charge.ChargeRef))

	ord.ChargeRef = charge.ChargeRef
	return &ord
}

// FulfillOrder drives an order through the success outcome.
func (ts *TestSuite) FulfillOrder(t *testing.T, ord *data.Order) {
	t.Helper()

	err := ts.Fulfillment.HandleOutcome(context.Background(), ord.ChargeRef, payment.OutcomeSucceeded, "")
	if err != nil && !fault.Is(err, fault.DuplicateOutcome) {
		t.Fatalf("Fulfillment failed: %v", err)
	}
}

// GenerateID creates a unique test entity ID
func (ts *TestSuite) GenerateID(prefix string) string {
	ts.mu.Lock()
	ts.testCount++
	count := ts.testCount
	ts.mu.Unlock()

	return fmt.Sprintf("%s-test-%d-%d", prefix, time.Now().Unix(), count)
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// MakeAPIRequest makes a request with an optional buyer access token
func (ts *TestSuite) MakeAPIRequest(method, path string, body interface{}, token string) (*http.Response, error) {
	return ts.makeRequest(method, path, body, map[string]string{"X-Access-Token": token})
}

// MakeDeviceRequest makes a request authenticated with a gate device key
func (ts *TestSuite) MakeDeviceRequest(method, path string, body interface{}, deviceKey string) (*http.Response, error) {
	return ts.makeRequest(method, path, body, map[string]string{"X-Device-Key": deviceKey})
}

func (ts *TestSuite) makeRequest(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(bodyBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	return ts.Client.Do(req)
}

// ParseJSONResponse parses a JSON response into the provided interface
func (ts *TestSuite) ParseJSONResponse(resp *http.Response, dest interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(dest)
}

// AssertStatusCode checks if response has expected status code
func (ts *TestSuite) AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertNoError fails the test if error is not nil
func (ts *TestSuite) AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

// AssertError fails the test if error is nil
func (ts *TestSuite) AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("Expected error but got nil")
	}
}

// =============================================================================
// MOCK CHARGE CLIENT
// =============================================================================

// MockChargeClient is an in-process stand-in for the payment provider.
// Submitted charges stay pending until a test settles them with SetOutcome.
type MockChargeClient struct {
	mu             sync.Mutex
	charges        map[string]payment.ChargeRequest // chargeRef -> request
	refunds        map[string]int64                 // chargeRef -> amount
	outcomes       map[string]chargeOutcome
	ShouldFail     bool
	ChargeAttempts int
	RefundAttempts int
}

type chargeOutcome struct {
	outcome       string
	failureReason string
}

func NewMockChargeClient() *MockChargeClient {
	return &MockChargeClient{
		charges:  make(map[string]payment.ChargeRequest),
		refunds:  make(map[string]int64),
		outcomes: make(map[string]chargeOutcome),
	}
}

func (m *MockChargeClient) RequestCharge(ctx context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChargeAttempts++
	if m.ShouldFail {
		return nil, fault.New(fault.ExternalDependency, "charge_failed", "mock: charge submission failed")
	}

	chargeRef := "MOCK-CHARGE-" + uuid.NewString()
	m.charges[chargeRef] = req
	return &payment.ChargeResult{ChargeRef: chargeRef, Status: "submitted"}, nil
}

// SetOutcome records the outcome the provider would report for a charge.
func (m *MockChargeClient) SetOutcome(chargeRef, outcome, failureReason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[chargeRef] = chargeOutcome{outcome: outcome, failureReason: failureReason}
}

func (m *MockChargeClient) GetChargeOutcome(ctx context.Context, chargeRef string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return "", "", fault.New(fault.ExternalDependency, "provider_unavailable", "mock: provider unavailable")
	}
	if set, ok := m.outcomes[chargeRef]; ok {
		return set.outcome, set.failureReason, nil
	}
	return payment.OutcomePending, "", nil
}

func (m *MockChargeClient) Refund(ctx context.Context, chargeRef string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundAttempts++
	if m.ShouldFail {
		return fault.New(fault.ExternalDependency, "refund_failed", "mock: refund failed")
	}

	m.refunds[chargeRef] = amount
	return nil
}

// RefundedAmount returns the refunded amount for a charge, if any.
func (m *MockChargeClient) RefundedAmount(chargeRef string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	amount, ok := m.refunds[chargeRef]
	return amount, ok
}
