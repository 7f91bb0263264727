package data

import (
	"database/sql"
	"fmt"
)

// =============================================================================
// SCAN RECORD REPOSITORY
// =============================================================================

type ScanRecordRepository struct {
	db *sql.DB
}

func NewScanRecordRepository() *ScanRecordRepository {
	return &ScanRecordRepository{db: db}
}

// InsertTx records an applied scan inside tx. Returns false without error
// when the record ID was already stored, which is how replayed batch uploads
// are detected.
func (r *ScanRecordRepository) InsertTx(tx *sql.Tx, rec ScanRecord) (inserted bool, err error) {
	const stmt = `
		INSERT OR IGNORE INTO scan_records (id, ticket_id, event_id, scanner_id, scanned_at, result, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := tx.Exec(stmt, rec.ID, rec.TicketID, rec.EventID, rec.ScannerID,
		formatTime(rec.ScannedAt), rec.Result, formatTime(rec.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert scan record %s: %w", rec.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return n == 1, nil
}

// GetTx loads a stored scan record inside tx, for acking replays with their
// original verdict.
func (r *ScanRecordRepository) GetTx(tx *sql.Tx, id string) (*ScanRecord, error) {
	const stmt = `
		SELECT id, ticket_id, event_id, scanner_id, scanned_at, result, recorded_at
		FROM scan_records WHERE id = ?`

	var rec ScanRecord
	var scannedAt, recordedAt string
	err := tx.QueryRow(stmt, id).Scan(&rec.ID, &rec.TicketID, &rec.EventID, &rec.ScannerID,
		&scannedAt, &rec.Result, &recordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record row: %w", err)
	}

	if rec.ScannedAt, err = parseTime(scannedAt); err != nil {
		return nil, fmt.Errorf("failed to parse scanned at: %w", err)
	}
	if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, fmt.Errorf("failed to parse recorded at: %w", err)
	}

	return &rec, nil
}

// CountByEvent returns the number of applied scans for an event.
func (r *ScanRecordRepository) CountByEvent(eventID string) (int, error) {
	row, err := QueryRowDB(`SELECT COUNT(*) FROM scan_records WHERE event_id = ?`, eventID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count scan records: %w", err)
	}
	return count, nil
}
