// internal/gate/journal.go
package gate

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"boxoffice/internal/checkin"
	"boxoffice/internal/logger"
)

const localTimeFormat = time.RFC3339

// Journal is a gate device's local store: the last pulled ticket snapshot
// plus the device's own scan decisions, kept until the server acks them.
// Decisions made offline are provisional; the server's verdict wins when the
// journal syncs.
type Journal struct {
	db       *sql.DB
	deviceID string
}

const localTicketSchema = `
    CREATE TABLE IF NOT EXISTS local_tickets (
        scan_token TEXT PRIMARY KEY,
        ticket_number TEXT NOT NULL,
        tier_id TEXT NOT NULL,
        owner_name TEXT NOT NULL,
        status TEXT NOT NULL,
        scanned_at TEXT,
        scanned_by TEXT DEFAULT ''
    );`

const localRecordSchema = `
    CREATE TABLE IF NOT EXISTS scan_records (
        id TEXT PRIMARY KEY,
        scan_token TEXT NOT NULL,
        scanned_at TEXT NOT NULL,
        local_result TEXT NOT NULL,
        reason TEXT DEFAULT '',
        synced BOOLEAN NOT NULL DEFAULT 0,
        server_result TEXT DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_scan_records_synced ON scan_records(synced);`

// OpenJournal opens (or creates) the device journal at path.
func OpenJournal(path, deviceID string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal pragmas: %w", err)
	}
	for _, schema := range []string{localTicketSchema, localRecordSchema} {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create journal tables: %w", err)
		}
	}

	return &Journal{db: db, deviceID: deviceID}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) DeviceID() string {
	return j.deviceID
}

// ApplySnapshot replaces the local ticket table with a fresh server
// snapshot. Local state for tickets the server already settled is discarded;
// unsynced journal records are kept and will be replayed.
func (j *Journal) ApplySnapshot(tickets []checkin.SnapshotTicket) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM local_tickets`); err != nil {
		return fmt.Errorf("failed to clear local tickets: %w", err)
	}

	const stmt = `
		INSERT INTO local_tickets (scan_token, ticket_number, tier_id, owner_name, status, scanned_at, scanned_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, t := range tickets {
		var scannedAt interface{}
		if t.ScannedAt != nil {
			scannedAt = t.ScannedAt.UTC().Format(localTimeFormat)
		}
		if _, err := tx.Exec(stmt, t.ScanToken, t.TicketNumber, t.TierID, t.OwnerName, t.Status, scannedAt, t.ScannedBy); err != nil {
			return fmt.Errorf("failed to insert snapshot ticket %s: %w", t.TicketNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	logger.LogInfo("Applied snapshot of %d tickets to device journal", len(tickets))
	return nil
}

// Scan decides a scan attempt against local state and journals it for
// upload. Every attempt is journaled with its verdict; only admitting
// records can advance ticket state when the server applies the batch. Works
// identically online and offline; the syncer reconciles afterwards.
func (j *Journal) Scan(scanToken string, at time.Time) (*checkin.ScanOutcome, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin scan transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		ticketNumber, tierID, ownerName, status, scannedBy string
		scannedAtStr                                       sql.NullString
	)
	err = tx.QueryRow(`
		SELECT ticket_number, tier_id, owner_name, status, scanned_at, scanned_by
		FROM local_tickets WHERE scan_token = ?`, scanToken).
		Scan(&ticketNumber, &tierID, &ownerName, &status, &scannedAtStr, &scannedBy)

	var outcome *checkin.ScanOutcome
	switch {
	case err == sql.ErrNoRows:
		outcome = &checkin.ScanOutcome{Result: checkin.ResultRejected, Reason: "unknown_ticket"}
	case err != nil:
		return nil, fmt.Errorf("failed to look up local ticket: %w", err)
	case status == "used":
		var scannedAt *time.Time
		if scannedAtStr.Valid {
			if t, err := time.Parse(localTimeFormat, scannedAtStr.String); err == nil {
				scannedAt = &t
			}
		}
		outcome = &checkin.ScanOutcome{
			Result:       checkin.ResultAlreadyScanned,
			TicketNumber: ticketNumber,
			OwnerName:    ownerName,
			TierID:       tierID,
			ScannedAt:    scannedAt,
			ScannedBy:    scannedBy,
		}
	case status == "voided" || status == "transferred":
		outcome = &checkin.ScanOutcome{
			Result:       checkin.ResultRejected,
			Reason:       "ticket_" + status,
			TicketNumber: ticketNumber,
		}
	}

	atStr := at.UTC().Format(localTimeFormat)

	if outcome == nil {
		if _, err := tx.Exec(`
			UPDATE local_tickets SET status = 'used', scanned_at = ?, scanned_by = ?
			WHERE scan_token = ?`, atStr, j.deviceID, scanToken); err != nil {
			return nil, fmt.Errorf("failed to mark local ticket used: %w", err)
		}
		outcome = &checkin.ScanOutcome{
			Result:       checkin.ResultScanned,
			TicketNumber: ticketNumber,
			OwnerName:    ownerName,
			TierID:       tierID,
			ScannedAt:    &at,
			ScannedBy:    j.deviceID,
		}
	}

	reason := outcome.Reason
	if outcome.Result == checkin.ResultAlreadyScanned {
		reason = checkin.ResultAlreadyScanned
	}
	if _, err := tx.Exec(`
		INSERT INTO scan_records (id, scan_token, scanned_at, local_result, reason, synced)
		VALUES (?, ?, ?, ?, ?, 0)`, uuid.NewString(), scanToken, atStr, outcome.Result, reason); err != nil {
		return nil, fmt.Errorf("failed to journal scan record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scan: %w", err)
	}

	return outcome, nil
}

// PendingRecords returns journaled scan attempts the server has not acked
// yet, with each attempt's local verdict.
func (j *Journal) PendingRecords(limit int) ([]checkin.BatchRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, scan_token, scanned_at, local_result, reason FROM scan_records
		WHERE synced = 0 ORDER BY scanned_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var records []checkin.BatchRecord
	for rows.Next() {
		var rec checkin.BatchRecord
		var scannedAt, localResult string
		if err := rows.Scan(&rec.ID, &rec.ScanToken, &scannedAt, &localResult, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		if rec.ScannedAt, err = time.Parse(localTimeFormat, scannedAt); err != nil {
			return nil, fmt.Errorf("failed to parse record time: %w", err)
		}
		rec.ScannerID = j.deviceID
		rec.Valid = localResult == checkin.ResultScanned
		records = append(records, rec)
	}

	return records, rows.Err()
}

// PendingCount returns how many journal records still await upload.
func (j *Journal) PendingCount() (int, error) {
	var count int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM scan_records WHERE synced = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

// ApplyAck marks a journal record synced and folds the server's verdict back
// into local state. When this device lost the conflict, the server's scan
// metadata replaces the local claim.
func (j *Journal) ApplyAck(ack checkin.BatchAck, scanToken string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ack transaction: %w", err)
	}
	defer tx.Rollback()

	serverResult := ""
	if ack.Outcome != nil {
		serverResult = ack.Outcome.Result
	}

	if _, err := tx.Exec(`
		UPDATE scan_records SET synced = 1, server_result = ? WHERE id = ?`,
		serverResult, ack.ID); err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}

	if ack.Outcome != nil && ack.Outcome.Result == checkin.ResultAlreadyScanned {
		var scannedAt interface{}
		if ack.Outcome.ScannedAt != nil {
			scannedAt = ack.Outcome.ScannedAt.UTC().Format(localTimeFormat)
		}
		if _, err := tx.Exec(`
			UPDATE local_tickets SET status = 'used', scanned_at = ?, scanned_by = ?
			WHERE scan_token = ?`, scannedAt, ack.Outcome.ScannedBy, scanToken); err != nil {
			return fmt.Errorf("failed to fold server verdict: %w", err)
		}
		logger.LogWarn("Scan conflict on ticket %s: admitted here but %s scanned it first",
			ack.Outcome.TicketNumber, ack.Outcome.ScannedBy)
	}

	return tx.Commit()
}
