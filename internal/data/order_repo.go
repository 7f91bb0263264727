package data

import (
	"database/sql"
	"fmt"
	"time"

	"boxoffice/internal/fault"
)

// =============================================================================
// ORDER REPOSITORY
// =============================================================================

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: db}
}

// =============================================================================
// CORE CRUD OPERATIONS
// =============================================================================

func (r *OrderRepository) Insert(o Order) error {
	const stmt = `
		INSERT INTO orders (
			id, event_id, buyer_name, buyer_email, subtotal, service_fee, total,
			status, charge_ref, access_token, failure_reason, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	chargeRef := sql.NullString{String: o.ChargeRef, Valid: o.ChargeRef != ""}

	_, err := ExecDB(stmt,
		o.ID, o.EventID, o.BuyerName, o.BuyerEmail,
		o.Subtotal, o.ServiceFee, o.Total,
		o.Status, chargeRef, o.AccessToken, o.FailureReason,
		formatTime(o.CreatedAt), formatNullableTime(o.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	const itemStmt = `INSERT INTO order_items (order_id, tier_id, quantity, unit_price) VALUES (?, ?, ?, ?)`
	for _, item := range o.Items {
		if _, err := ExecDB(itemStmt, o.ID, item.TierID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return nil
}

func (r *OrderRepository) GetByID(orderID string) (*Order, error) {
	const stmt = `
		SELECT id, event_id, buyer_name, buyer_email, subtotal, service_fee, total,
			status, charge_ref, access_token, failure_reason, created_at, completed_at
		FROM orders WHERE id = ?`

	row, err := QueryRowDB(stmt, orderID)
	if err != nil {
		return nil, err
	}
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	if o.Items, err = r.GetItems(orderID); err != nil {
		return nil, err
	}

	return o, nil
}

func (r *OrderRepository) GetByChargeRef(chargeRef string) (*Order, error) {
	const stmt = `
		SELECT id, event_id, buyer_name, buyer_email, subtotal, service_fee, total,
			status, charge_ref, access_token, failure_reason, created_at, completed_at
		FROM orders WHERE charge_ref = ?`

	row, err := QueryRowDB(stmt, chargeRef)
	if err != nil {
		return nil, err
	}
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	if o.Items, err = r.GetItems(o.ID); err != nil {
		return nil, err
	}

	return o, nil
}

func (r *OrderRepository) GetItems(orderID string) ([]OrderItem, error) {
	const stmt = `SELECT order_id, tier_id, quantity, unit_price FROM order_items WHERE order_id = ?`

	rows, err := QueryDB(stmt, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.OrderID, &item.TierID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order item rows: %w", err)
	}

	return items, nil
}

// =============================================================================
// UPDATE OPERATIONS
// =============================================================================

func (r *OrderRepository) SetChargeRef(orderID, chargeRef string) error {
	const stmt = `UPDATE orders SET charge_ref = ? WHERE id = ?`

	result, err := ExecDB(stmt, chargeRef, orderID)
	if err != nil {
		return fmt.Errorf("failed to set charge reference: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "order_not_found", "Order %s not found", orderID)
	}

	return nil
}

// ClaimCompletionTx moves an order from pending to completed inside tx.
// The status guard in the WHERE clause is the idempotency gate: exactly one
// caller observes claimed=true, every redelivery and racing fallback sees
// claimed=false and must read the existing terminal result instead.
func (r *OrderRepository) ClaimCompletionTx(tx *sql.Tx, orderID string, completedAt time.Time) (claimed bool, err error) {
	const stmt = `UPDATE orders SET status = ?, completed_at = ? WHERE id = ? AND status = ?`

	result, err := tx.Exec(stmt, OrderCompleted, formatTime(completedAt), orderID, OrderPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim order completion: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n == 1, nil
}

// MarkFailedTx moves a pending order to failed inside tx.
func (r *OrderRepository) MarkFailedTx(tx *sql.Tx, orderID, reason string) error {
	const stmt = `UPDATE orders SET status = ?, failure_reason = ? WHERE id = ? AND status = ?`

	result, err := tx.Exec(stmt, OrderFailed, reason, orderID, OrderPending)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.StateConflict, "order_not_pending",
			"Order %s is no longer pending", orderID)
	}

	return nil
}

func (r *OrderRepository) MarkFailed(orderID, reason string) error {
	const stmt = `UPDATE orders SET status = ?, failure_reason = ? WHERE id = ? AND status = ?`

	result, err := ExecDB(stmt, OrderFailed, reason, orderID, OrderPending)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.StateConflict, "order_not_pending",
			"Order %s is no longer pending", orderID)
	}

	return nil
}

// RecentAccessTokens returns the access tokens of orders created since the
// cutoff, so buyer sessions survive a process restart.
func (r *OrderRepository) RecentAccessTokens(since time.Time) ([]string, error) {
	const stmt = `SELECT access_token FROM orders WHERE created_at >= ? AND access_token != ''`

	rows, err := QueryDB(stmt, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent access tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token sql.NullString
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan access token: %w", err)
		}
		if token.Valid && token.String != "" {
			tokens = append(tokens, token.String)
		}
	}

	return tokens, rows.Err()
}

// ExpireStalePending fails pending orders older than the cutoff, bounded per
// run. Inventory never depended on these orders, so this is pure hygiene.
func (r *OrderRepository) ExpireStalePending(cutoff time.Time, limit int) (int, error) {
	const stmt = `
		UPDATE orders SET status = ?, failure_reason = 'expired'
		WHERE id IN (
			SELECT id FROM orders
			WHERE status = ?
			AND created_at < ?
			LIMIT ?
		)`

	result, err := ExecDB(stmt, OrderFailed, OrderPending, formatTime(cutoff), limit)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rowsAffected), nil
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var chargeRef, accessToken, createdAt, completedAt sql.NullString

	err := row.Scan(
		&o.ID, &o.EventID, &o.BuyerName, &o.BuyerEmail,
		&o.Subtotal, &o.ServiceFee, &o.Total,
		&o.Status, &chargeRef, &accessToken, &o.FailureReason,
		&createdAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "order_not_found", "Order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.ChargeRef = chargeRef.String
	o.AccessToken = accessToken.String

	if createdAt.Valid {
		if o.CreatedAt, err = parseTime(createdAt.String); err != nil {
			return nil, fmt.Errorf("failed to parse order created at: %w", err)
		}
	}
	if o.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse order completed at: %w", err)
	}

	return &o, nil
}

// =============================================================================
// LEGACY BACKWARD COMPATIBILITY FUNCTIONS
// =============================================================================

func InsertOrder(o Order) error {
	return NewOrderRepository().Insert(o)
}

func GetOrderByID(orderID string) (*Order, error) {
	return NewOrderRepository().GetByID(orderID)
}

func GetOrderByChargeRef(chargeRef string) (*Order, error) {
	return NewOrderRepository().GetByChargeRef(chargeRef)
}
