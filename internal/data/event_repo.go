package data

import (
	"database/sql"
	"fmt"

	"boxoffice/internal/fault"
)

// =============================================================================
// EVENT REPOSITORY
// =============================================================================

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository() *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Insert(ev Event) error {
	const stmt = `
		INSERT INTO events (
			id, name, status, sale_starts_at, sale_ends_at,
			service_fee_pct, organizer_share_pct,
			tickets_sold, total_revenue, organizer_revenue, platform_revenue
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ExecDB(stmt,
		ev.ID, ev.Name, ev.Status,
		formatTime(ev.SaleStartsAt), formatTime(ev.SaleEndsAt),
		ev.ServiceFeePct, ev.OrganizerSharePct,
		ev.TicketsSold, ev.TotalRevenue, ev.OrganizerRevenue, ev.PlatformRevenue,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

func (r *EventRepository) GetByID(eventID string) (*Event, error) {
	const stmt = `
		SELECT id, name, status, sale_starts_at, sale_ends_at,
			service_fee_pct, organizer_share_pct,
			tickets_sold, total_revenue, organizer_revenue, platform_revenue
		FROM events WHERE id = ?`

	row, err := QueryRowDB(stmt, eventID)
	if err != nil {
		return nil, err
	}
	return scanEventRow(row)
}

func (r *EventRepository) UpdateStatus(eventID, status string) error {
	const stmt = `UPDATE events SET status = ? WHERE id = ?`

	result, err := ExecDB(stmt, status, eventID)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "event_not_found", "Event %s not found", eventID)
	}

	return nil
}

// AdvanceCountersTx adds one order's worth of sales to the event aggregates.
// Only the fulfillment transaction calls this.
func (r *EventRepository) AdvanceCountersTx(tx *sql.Tx, eventID string, tickets int, total, organizer, platform int64) error {
	const stmt = `
		UPDATE events
		SET tickets_sold = tickets_sold + ?,
			total_revenue = total_revenue + ?,
			organizer_revenue = organizer_revenue + ?,
			platform_revenue = platform_revenue + ?
		WHERE id = ?`

	result, err := tx.Exec(stmt, tickets, total, organizer, platform, eventID)
	if err != nil {
		return fmt.Errorf("failed to advance event counters: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "event_not_found", "Event %s not found", eventID)
	}

	return nil
}

func scanEventRow(row *sql.Row) (*Event, error) {
	var ev Event
	var startsAt, endsAt string

	err := row.Scan(
		&ev.ID, &ev.Name, &ev.Status, &startsAt, &endsAt,
		&ev.ServiceFeePct, &ev.OrganizerSharePct,
		&ev.TicketsSold, &ev.TotalRevenue, &ev.OrganizerRevenue, &ev.PlatformRevenue,
	)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "event_not_found", "Event not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if ev.SaleStartsAt, err = parseTime(startsAt); err != nil {
		return nil, fmt.Errorf("failed to parse sale start: %w", err)
	}
	if ev.SaleEndsAt, err = parseTime(endsAt); err != nil {
		return nil, fmt.Errorf("failed to parse sale end: %w", err)
	}

	return &ev, nil
}

// =============================================================================
// TIER REPOSITORY
// =============================================================================

type TierRepository struct {
	db *sql.DB
}

func NewTierRepository() *TierRepository {
	return &TierRepository{db: db}
}

func (r *TierRepository) Insert(t Tier) error {
	const stmt = `
		INSERT INTO tiers (id, event_id, name, price, quantity, quantity_sold, status, max_per_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ExecDB(stmt, t.ID, t.EventID, t.Name, t.Price, t.Quantity, t.QuantitySold, t.Status, t.MaxPerOrder)
	if err != nil {
		return fmt.Errorf("failed to insert tier: %w", err)
	}

	return nil
}

func (r *TierRepository) GetByID(tierID string) (*Tier, error) {
	const stmt = `
		SELECT id, event_id, name, price, quantity, quantity_sold, status, max_per_order
		FROM tiers WHERE id = ?`

	row, err := QueryRowDB(stmt, tierID)
	if err != nil {
		return nil, err
	}
	return scanTier(row)
}

func (r *TierRepository) GetByEvent(eventID string) ([]Tier, error) {
	const stmt = `
		SELECT id, event_id, name, price, quantity, quantity_sold, status, max_per_order
		FROM tiers WHERE event_id = ? ORDER BY price`

	rows, err := QueryDB(stmt, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	var result []Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name, &t.Price, &t.Quantity, &t.QuantitySold, &t.Status, &t.MaxPerOrder); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tier rows: %w", err)
	}

	return result, nil
}

func (r *TierRepository) UpdateStatus(tierID, status string) error {
	const stmt = `UPDATE tiers SET status = ? WHERE id = ?`

	result, err := ExecDB(stmt, status, tierID)
	if err != nil {
		return fmt.Errorf("failed to update tier status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "tier_not_found", "Tier %s not found", tierID)
	}

	return nil
}

// AdvanceSoldTx advances quantity_sold by qty, guarded so the sold count can
// never pass the allocation. Zero rows affected means the capacity is gone
// (or the tier vanished); either way the caller must not mint.
func (r *TierRepository) AdvanceSoldTx(tx *sql.Tx, tierID string, qty int) error {
	const stmt = `
		UPDATE tiers
		SET quantity_sold = quantity_sold + ?
		WHERE id = ? AND quantity_sold + ? <= quantity`

	result, err := tx.Exec(stmt, qty, tierID, qty)
	if err != nil {
		return fmt.Errorf("failed to advance tier sold count: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fault.New(fault.StateConflict, "capacity_exceeded",
			"Tier %s does not have %d tickets remaining", tierID, qty)
	}

	// Flip to sold_out once the allocation is exhausted.
	const soldOutStmt = `UPDATE tiers SET status = ? WHERE id = ? AND quantity_sold >= quantity AND status = ?`
	if _, err := tx.Exec(soldOutStmt, TierSoldOut, tierID, TierActive); err != nil {
		return fmt.Errorf("failed to mark tier sold out: %w", err)
	}

	return nil
}

func scanTier(row *sql.Row) (*Tier, error) {
	var t Tier
	err := row.Scan(&t.ID, &t.EventID, &t.Name, &t.Price, &t.Quantity, &t.QuantitySold, &t.Status, &t.MaxPerOrder)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "tier_not_found", "Tier not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tier: %w", err)
	}
	return &t, nil
}

// =============================================================================
// LEGACY BACKWARD COMPATIBILITY FUNCTIONS
// =============================================================================

func InsertEvent(ev Event) error {
	return NewEventRepository().Insert(ev)
}

func GetEventByID(eventID string) (*Event, error) {
	return NewEventRepository().GetByID(eventID)
}

func InsertTier(t Tier) error {
	return NewTierRepository().Insert(t)
}

func GetTierByID(tierID string) (*Tier, error) {
	return NewTierRepository().GetByID(tierID)
}

func GetTiersByEvent(eventID string) ([]Tier, error) {
	return NewTierRepository().GetByEvent(eventID)
}
