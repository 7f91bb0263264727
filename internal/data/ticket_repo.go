package data

import (
	"database/sql"
	"fmt"
	"time"

	"boxoffice/internal/fault"
)

// =============================================================================
// TICKET REPOSITORY
// =============================================================================

type TicketRepository struct {
	db *sql.DB
}

func NewTicketRepository() *TicketRepository {
	return &TicketRepository{db: db}
}

// InsertTx mints one ticket row inside the fulfillment transaction. The
// UNIQUE constraints on ticket_number and scan_token are the last line of
// defense against double minting.
func (r *TicketRepository) InsertTx(tx *sql.Tx, t Ticket) error {
	const stmt = `
		INSERT INTO tickets (
			order_id, event_id, tier_id, ticket_number, scan_token,
			owner_name, owner_email, face_value, price_paid, status, scanned_at, scanned_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.Exec(stmt,
		t.OrderID, t.EventID, t.TierID, t.TicketNumber, t.ScanToken,
		t.OwnerName, t.OwnerEmail, t.FaceValue, t.PricePaid, t.Status,
		formatNullableTime(t.ScannedAt), t.ScannedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket %s: %w", t.TicketNumber, err)
	}

	return nil
}

func (r *TicketRepository) GetByScanToken(scanToken string) (*Ticket, error) {
	const stmt = `
		SELECT id, order_id, event_id, tier_id, ticket_number, scan_token,
			owner_name, owner_email, face_value, price_paid, status, scanned_at, scanned_by
		FROM tickets WHERE scan_token = ?`

	row, err := QueryRowDB(stmt, scanToken)
	if err != nil {
		return nil, err
	}
	return scanTicket(row)
}

func (r *TicketRepository) GetByOrder(orderID string) ([]Ticket, error) {
	const stmt = `
		SELECT id, order_id, event_id, tier_id, ticket_number, scan_token,
			owner_name, owner_email, face_value, price_paid, status, scanned_at, scanned_by
		FROM tickets WHERE order_id = ? ORDER BY ticket_number`

	rows, err := QueryDB(stmt, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets by order: %w", err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

// GetByEvent returns every ticket for an event, the payload for gate device
// snapshot pulls.
func (r *TicketRepository) GetByEvent(eventID string) ([]Ticket, error) {
	const stmt = `
		SELECT id, order_id, event_id, tier_id, ticket_number, scan_token,
			owner_name, owner_email, face_value, price_paid, status, scanned_at, scanned_by
		FROM tickets WHERE event_id = ? ORDER BY id`

	rows, err := QueryDB(stmt, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets by event: %w", err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

func (r *TicketRepository) CountByOrder(orderID string) (int, error) {
	row, err := QueryRowDB(`SELECT COUNT(*) FROM tickets WHERE order_id = ?`, orderID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return count, nil
}

// MarkUsedTx performs the one-way valid -> used transition inside tx. The
// status guard makes exactly one concurrent scanner win; everyone else gets
// zero rows and must report already_scanned.
func (r *TicketRepository) MarkUsedTx(tx *sql.Tx, ticketID int64, scannedAt time.Time, scannedBy string) (won bool, err error) {
	const stmt = `UPDATE tickets SET status = ?, scanned_at = ?, scanned_by = ? WHERE id = ? AND status = ?`

	result, err := tx.Exec(stmt, TicketUsed, formatTime(scannedAt), scannedBy, ticketID, TicketValid)
	if err != nil {
		return false, fmt.Errorf("failed to mark ticket used: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n == 1, nil
}

// GetByScanTokenTx re-reads a ticket inside tx, for the losing scanner to
// report the winner's scan metadata.
func (r *TicketRepository) GetByScanTokenTx(tx *sql.Tx, scanToken string) (*Ticket, error) {
	const stmt = `
		SELECT id, order_id, event_id, tier_id, ticket_number, scan_token,
			owner_name, owner_email, face_value, price_paid, status, scanned_at, scanned_by
		FROM tickets WHERE scan_token = ?`

	row := tx.QueryRow(stmt, scanToken)

	var t Ticket
	var scannedAt sql.NullString
	err := row.Scan(
		&t.ID, &t.OrderID, &t.EventID, &t.TierID, &t.TicketNumber, &t.ScanToken,
		&t.OwnerName, &t.OwnerEmail, &t.FaceValue, &t.PricePaid, &t.Status,
		&scannedAt, &t.ScannedBy,
	)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "ticket_not_found", "Ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	if t.ScannedAt, err = parseNullableTime(scannedAt); err != nil {
		return nil, fmt.Errorf("failed to parse scanned at: %w", err)
	}

	return &t, nil
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

func scanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	var scannedAt sql.NullString

	err := row.Scan(
		&t.ID, &t.OrderID, &t.EventID, &t.TierID, &t.TicketNumber, &t.ScanToken,
		&t.OwnerName, &t.OwnerEmail, &t.FaceValue, &t.PricePaid, &t.Status,
		&scannedAt, &t.ScannedBy,
	)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "ticket_not_found", "Ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	if t.ScannedAt, err = parseNullableTime(scannedAt); err != nil {
		return nil, fmt.Errorf("failed to parse scanned at: %w", err)
	}

	return &t, nil
}

func collectTickets(rows *sql.Rows) ([]Ticket, error) {
	var result []Ticket
	for rows.Next() {
		var t Ticket
		var scannedAt sql.NullString

		err := rows.Scan(
			&t.ID, &t.OrderID, &t.EventID, &t.TierID, &t.TicketNumber, &t.ScanToken,
			&t.OwnerName, &t.OwnerEmail, &t.FaceValue, &t.PricePaid, &t.Status,
			&scannedAt, &t.ScannedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket row: %w", err)
		}

		if t.ScannedAt, err = parseNullableTime(scannedAt); err != nil {
			return nil, fmt.Errorf("failed to parse scanned at: %w", err)
		}

		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticket rows: %w", err)
	}

	return result, nil
}

// =============================================================================
// LEGACY BACKWARD COMPATIBILITY FUNCTIONS
// =============================================================================

func GetTicketByScanToken(scanToken string) (*Ticket, error) {
	return NewTicketRepository().GetByScanToken(scanToken)
}

func GetTicketsByOrder(orderID string) ([]Ticket, error) {
	return NewTicketRepository().GetByOrder(orderID)
}

func GetTicketsByEvent(eventID string) ([]Ticket, error) {
	return NewTicketRepository().GetByEvent(eventID)
}
