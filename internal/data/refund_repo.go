package data

import (
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// REFUND REPOSITORY
// =============================================================================

// RefundRepository is the durable queue behind compensating refunds. Rows are
// enqueued inside the failing fulfillment transaction and settled later by the
// background worker, so a crash between the two never loses a refund.
type RefundRepository struct {
	db *sql.DB
}

func NewRefundRepository() *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) EnqueueTx(tx *sql.Tx, chargeRef string, amount int64, reason string) error {
	const stmt = `INSERT INTO refunds (charge_ref, amount, reason, settled, created_at) VALUES (?, ?, ?, 0, ?)`

	_, err := tx.Exec(stmt, chargeRef, amount, reason, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to enqueue refund for %s: %w", chargeRef, err)
	}

	return nil
}

func (r *RefundRepository) GetUnsettled(limit int) ([]Refund, error) {
	const stmt = `
		SELECT id, charge_ref, amount, reason, settled, created_at
		FROM refunds WHERE settled = 0 ORDER BY created_at LIMIT ?`

	rows, err := QueryDB(stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled refunds: %w", err)
	}
	defer rows.Close()

	var result []Refund
	for rows.Next() {
		var rf Refund
		var createdAt string
		if err := rows.Scan(&rf.ID, &rf.ChargeRef, &rf.Amount, &rf.Reason, &rf.Settled, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund row: %w", err)
		}
		if rf.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse refund created at: %w", err)
		}
		result = append(result, rf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refund rows: %w", err)
	}

	return result, nil
}

func (r *RefundRepository) MarkSettled(id int64) error {
	_, err := ExecDB(`UPDATE refunds SET settled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark refund %d settled: %w", id, err)
	}
	return nil
}
