// database_test.go - query helper behavior when no database is available
package data

import (
	"testing"
)

// Single-row lookups must report an unavailable database as an error, not a
// nil-pointer panic inside the helper.
func TestQueryRowDBWithoutDatabase(t *testing.T) {
	dbMu.Lock()
	saved := db
	db = nil
	dbMu.Unlock()
	defer func() {
		dbMu.Lock()
		db = saved
		dbMu.Unlock()
	}()

	row, err := QueryRowDB(`SELECT 1`)
	if err == nil {
		t.Fatal("Expected an error from QueryRowDB with no database")
	}
	if row != nil {
		t.Errorf("Expected nil row on error, got %v", row)
	}

	// The repositories built on QueryRowDB surface the same error.
	if _, err := NewOrderRepository().GetByID("ORD-MISSING"); err == nil {
		t.Error("Expected order lookup to fail with no database")
	}
	if _, err := NewTicketRepository().GetByScanToken("no-such-token"); err == nil {
		t.Error("Expected ticket lookup to fail with no database")
	}
	if _, err := NewTierRepository().GetByID("tier-missing"); err == nil {
		t.Error("Expected tier lookup to fail with no database")
	}
	if _, err := NewScanRecordRepository().CountByEvent("event-missing"); err == nil {
		t.Error("Expected scan count to fail with no database")
	}
}
