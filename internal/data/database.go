package data

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"boxoffice/internal/logger"
)

// =============================================================================
// CONSTANTS AND GLOBAL VARIABLES
// =============================================================================

// Global database instance with better management
var (
	db     *sql.DB
	dbMu   sync.RWMutex
	dbInit sync.Once
)

// Database connection pool configuration
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = time.Hour
	connMaxIdleTime = time.Minute * 15
	queryTimeout    = time.Second * 30
)

const TimeFormat = time.RFC3339

// =============================================================================
// STATUS ENUMERATIONS
// =============================================================================

// Event status
const (
	EventDraft     = "draft"
	EventPublished = "published"
	EventArchived  = "archived"
)

// Tier status
const (
	TierActive  = "active"
	TierPaused  = "paused"
	TierSoldOut = "sold_out"
)

// Order status
const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
	OrderFailed    = "failed"
)

// Ticket status
const (
	TicketValid       = "valid"
	TicketUsed        = "used"
	TicketVoided      = "voided"
	TicketTransferred = "transferred"
)

// =============================================================================
// ENTITY DEFINITIONS
// =============================================================================

// Event holds sale policy and the aggregate counters advanced at fulfillment.
// All money fields across the package are integer minor currency units.
type Event struct {
	ID                string
	Name              string
	Status            string
	SaleStartsAt      time.Time
	SaleEndsAt        time.Time
	ServiceFeePct     float64 // <0 means "use the configured default"
	OrganizerSharePct float64
	TicketsSold       int
	TotalRevenue      int64
	OrganizerRevenue  int64
	PlatformRevenue   int64
}

// Tier is a priced ticket category with its own capacity.
type Tier struct {
	ID           string
	EventID      string
	Name         string
	Price        int64
	Quantity     int
	QuantitySold int
	Status       string
	MaxPerOrder  int
}

func (t Tier) Remaining() int {
	return t.Quantity - t.QuantitySold
}

// Order is the durable record of one purchase attempt.
type Order struct {
	ID            string // order number, e.g. ORD-20260830-142512-8IVFQ2
	EventID       string
	BuyerName     string
	BuyerEmail    string
	Items         []OrderItem
	Subtotal      int64
	ServiceFee    int64
	Total         int64
	Status        string
	ChargeRef     string
	AccessToken   string
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type OrderItem struct {
	OrderID   string
	TierID    string
	Quantity  int
	UnitPrice int64
}

// Ticket is one admission unit, minted exactly once per completed order.
type Ticket struct {
	ID           int64
	OrderID      string
	EventID      string
	TierID       string
	TicketNumber string
	ScanToken    string
	OwnerName    string
	OwnerEmail   string
	FaceValue    int64
	PricePaid    int64
	Status       string
	ScannedAt    *time.Time
	ScannedBy    string
}

// ScanRecord is one applied scan attempt. The ID is the client-generated
// UUID, which makes batch uploads from gate devices replay-safe.
type ScanRecord struct {
	ID         string
	TicketID   int64
	EventID    string
	ScannerID  string
	ScannedAt  time.Time
	Result     string
	RecordedAt time.Time
}

// Refund is a queued reversal for a captured charge that could not be honored.
type Refund struct {
	ID        int64
	ChargeRef string
	Amount    int64
	Reason    string
	Settled   bool
	CreatedAt time.Time
}

// =============================================================================
// DATABASE CONNECTION AND SETUP
// =============================================================================

// InitDB initializes the database with connection pooling and resilience
func InitDB(dataSourceName string) error {
	var initErr error

	dbMu.Lock()
	defer dbMu.Unlock()

	// Close existing connection if any
	if db != nil {
		db.Close()
	}

	// Initialize new connection with retry logic
	initErr = initDBWithRetry(dataSourceName, 3)
	return initErr
}

func initDBWithRetry(dataSourceName string, maxRetries int) error {
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open("sqlite", dataSourceName)
		if err != nil {
			logger.LogWarn("Database connection attempt %d failed: %v", attempt, err)
			if attempt < maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
				continue
			}
			return fmt.Errorf("failed to open database after %d attempts: %w", maxRetries, err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
		db.SetConnMaxIdleTime(connMaxIdleTime)

		// Test the connection
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		err = db.PingContext(ctx)
		cancel()

		if err != nil {
			logger.LogWarn("Database ping attempt %d failed: %v", attempt, err)
			db.Close()
			if attempt < maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
				continue
			}
			return fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, err)
		}

		// Enable optimizations with error handling
		if err := enablePragmasWithRetry(db); err != nil {
			logger.LogWarn("Failed to enable some database optimizations: %v", err)
			// Don't fail initialization for pragma errors
		}

		logger.LogInfo("Database connection established successfully (attempt %d)", attempt)
		return nil
	}

	return fmt.Errorf("failed to initialize database after %d attempts", maxRetries)
}

func enablePragmasWithRetry(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}

	var lastErr error
	for _, pragma := range pragmas {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		_, err := conn.ExecContext(ctx, pragma)
		cancel()

		if err != nil {
			logger.LogWarn("Failed to execute %s: %v", pragma, err)
			lastErr = err
		}
	}
	return lastErr
}

// GetDB returns the database connection with health check
func GetDB() (*sql.DB, error) {
	dbMu.RLock()
	defer dbMu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	// Quick health check
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.LogError("Database health check failed: %v", err)
		return nil, fmt.Errorf("database connection unhealthy: %w", err)
	}

	return db, nil
}

// CloseDB closes the database connection gracefully
func CloseDB() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		err := db.Close()
		db = nil
		return err
	}
	return nil
}

// =============================================================================
// SCHEMA DEFINITIONS
// =============================================================================

const eventTableSchema = `
    CREATE TABLE IF NOT EXISTS events (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'draft',
        sale_starts_at TEXT NOT NULL,
        sale_ends_at TEXT NOT NULL,
        service_fee_pct REAL DEFAULT -1,
        organizer_share_pct REAL DEFAULT 90,
        tickets_sold INTEGER NOT NULL DEFAULT 0,
        total_revenue INTEGER NOT NULL DEFAULT 0,
        organizer_revenue INTEGER NOT NULL DEFAULT 0,
        platform_revenue INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);`

const tierTableSchema = `
    CREATE TABLE IF NOT EXISTS tiers (
        id TEXT PRIMARY KEY,
        event_id TEXT NOT NULL REFERENCES events(id),
        name TEXT NOT NULL,
        price INTEGER NOT NULL,
        quantity INTEGER NOT NULL,
        quantity_sold INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL DEFAULT 'active',
        max_per_order INTEGER NOT NULL DEFAULT 10,
        CHECK (quantity_sold <= quantity)
    );
    CREATE INDEX IF NOT EXISTS idx_tiers_event ON tiers(event_id);`

const orderTableSchema = `
    CREATE TABLE IF NOT EXISTS orders (
        id TEXT PRIMARY KEY,
        event_id TEXT NOT NULL REFERENCES events(id),
        buyer_name TEXT NOT NULL,
        buyer_email TEXT NOT NULL,
        subtotal INTEGER NOT NULL,
        service_fee INTEGER NOT NULL,
        total INTEGER NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        charge_ref TEXT UNIQUE,
        access_token TEXT,
        failure_reason TEXT DEFAULT '',
        created_at TEXT NOT NULL,
        completed_at TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_orders_event ON orders(event_id);
    CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
    CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);`

const orderItemTableSchema = `
    CREATE TABLE IF NOT EXISTS order_items (
        order_id TEXT NOT NULL REFERENCES orders(id),
        tier_id TEXT NOT NULL REFERENCES tiers(id),
        quantity INTEGER NOT NULL,
        unit_price INTEGER NOT NULL,
        PRIMARY KEY (order_id, tier_id)
    );`

const ticketTableSchema = `
    CREATE TABLE IF NOT EXISTS tickets (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        order_id TEXT NOT NULL REFERENCES orders(id),
        event_id TEXT NOT NULL REFERENCES events(id),
        tier_id TEXT NOT NULL REFERENCES tiers(id),
        ticket_number TEXT NOT NULL UNIQUE,
        scan_token TEXT NOT NULL UNIQUE,
        owner_name TEXT NOT NULL,
        owner_email TEXT NOT NULL,
        face_value INTEGER NOT NULL,
        price_paid INTEGER NOT NULL,
        status TEXT NOT NULL DEFAULT 'valid',
        scanned_at TEXT,
        scanned_by TEXT DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_tickets_order ON tickets(order_id);
    CREATE INDEX IF NOT EXISTS idx_tickets_event ON tickets(event_id);`

const refundTableSchema = `
    CREATE TABLE IF NOT EXISTS refunds (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        charge_ref TEXT NOT NULL,
        amount INTEGER NOT NULL,
        reason TEXT NOT NULL,
        settled BOOLEAN NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_refunds_settled ON refunds(settled);`

const scanRecordTableSchema = `
    CREATE TABLE IF NOT EXISTS scan_records (
        id TEXT PRIMARY KEY,
        ticket_id INTEGER NOT NULL REFERENCES tickets(id),
        event_id TEXT NOT NULL REFERENCES events(id),
        scanner_id TEXT NOT NULL,
        scanned_at TEXT NOT NULL,
        result TEXT NOT NULL,
        recorded_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_scan_records_event ON scan_records(event_id);
    CREATE INDEX IF NOT EXISTS idx_scan_records_ticket ON scan_records(ticket_id);`

// =============================================================================
// TABLE CREATION
// =============================================================================

func CreateTables() error {
	tables := []struct {
		name   string
		schema string
	}{
		{"events", eventTableSchema},
		{"tiers", tierTableSchema},
		{"orders", orderTableSchema},
		{"order_items", orderItemTableSchema},
		{"tickets", ticketTableSchema},
		{"refunds", refundTableSchema},
		{"scan_records", scanRecordTableSchema},
	}

	for _, table := range tables {
		if _, err := db.Exec(table.schema); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	return nil
}

// =============================================================================
// TIME HANDLING UTILITIES
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(TimeFormat)
}

func parseTime(timeStr string) (time.Time, error) {
	return time.Parse(TimeFormat, timeStr)
}

func parseNullableTime(nullStr sql.NullString) (*time.Time, error) {
	if !nullStr.Valid || nullStr.String == "" {
		return nil, nil
	}

	parsedTime, err := time.Parse(TimeFormat, nullStr.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time: %w", err)
	}

	return &parsedTime, nil
}

// =============================================================================
// GENERIC DATABASE OPERATIONS
// =============================================================================

// ExecDB executes a statement with better error handling and timeouts
func ExecDB(query string, args ...interface{}) (sql.Result, error) {
	dbConn, err := GetDB()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	result, err := dbConn.ExecContext(ctx, query, args...)
	if err != nil {
		logger.LogError("Database exec failed: query=%s, error=%v", query, err)
		return nil, fmt.Errorf("database execution failed: %w", err)
	}

	return result, nil
}

// QueryDB executes a query with timeout and returns rows
func QueryDB(query string, args ...interface{}) (*sql.Rows, error) {
	dbConn, err := GetDB()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := dbConn.QueryContext(ctx, query, args...)
	if err != nil {
		logger.LogError("Database query failed: query=%s, error=%v", query, err)
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	return rows, nil
}

// QueryRowDB executes a query that returns a single row
func QueryRowDB(query string, args ...interface{}) (*sql.Row, error) {
	dbConn, err := GetDB()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	return dbConn.QueryRowContext(ctx, query, args...), nil
}

// WithTx runs fn inside a transaction. Commit on nil, rollback otherwise.
// Every multi-statement business effect (fulfillment, scan) goes through here
// so the effects land atomically or not at all.
func WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	dbConn, err := GetDB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := dbConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logger.LogError("Transaction rollback failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
