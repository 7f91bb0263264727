// gate_sync_test.go - offline gate journals converging through batch sync
package testing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"boxoffice/internal/checkin"
	"boxoffice/internal/data"
	"boxoffice/internal/gate"
)

func openTestJournal(t *testing.T, suite *TestSuite, deviceID string) *gate.Journal {
	t.Helper()

	journal, err := gate.OpenJournal(filepath.Join(suite.Config.TestDataDir, deviceID+".db"), deviceID)
	if err != nil {
		t.Fatalf("Failed to open device journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestTwoDeviceOfflineConvergence(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 4000, 50)
	tickets := issueTickets(t, suite, event.ID, tier.ID, 3, "gates@example.com")

	frontID, frontKey := suite.SeedDevice(t)
	backID, backKey := suite.SeedDevice(t)

	front := openTestJournal(t, suite, frontID)
	back := openTestJournal(t, suite, backID)

	frontSync := gate.NewSyncer(front, suite.Server.URL, frontKey, event.ID, time.Minute)
	backSync := gate.NewSyncer(back, suite.Server.URL, backKey, event.ID, time.Minute)

	ctx := context.Background()

	t.Run("BootstrapSnapshots", func(t *testing.T) {
		suite.AssertNoError(t, frontSync.PullSnapshot(ctx))
		suite.AssertNoError(t, backSync.PullSnapshot(ctx))
	})

	contested := tickets[0].ScanToken

	t.Run("OfflineScansAdmitLocally", func(t *testing.T) {
		// Both gates lose connectivity and admit the same ticket.
		frontOutcome, err := front.Scan(contested, time.Now().Add(-5*time.Minute).UTC())
		suite.AssertNoError(t, err)
		if frontOutcome.Result != checkin.ResultScanned {
			t.Fatalf("Front gate expected local admit, got %s", frontOutcome.Result)
		}

		backOutcome, err := back.Scan(contested, time.Now().Add(-4*time.Minute).UTC())
		suite.AssertNoError(t, err)
		if backOutcome.Result != checkin.ResultScanned {
			t.Fatalf("Back gate expected local admit, got %s", backOutcome.Result)
		}

		// Each gate also admits a ticket nobody contests.
		_, err = front.Scan(tickets[1].ScanToken, time.Now().Add(-3*time.Minute).UTC())
		suite.AssertNoError(t, err)
		_, err = back.Scan(tickets[2].ScanToken, time.Now().Add(-2*time.Minute).UTC())
		suite.AssertNoError(t, err)
	})

	t.Run("SyncDrainsJournals", func(t *testing.T) {
		if n := frontSync.SyncOnce(ctx); n != 2 {
			t.Errorf("Front gate expected 2 records synced, got %d", n)
		}
		if n := backSync.SyncOnce(ctx); n != 2 {
			t.Errorf("Back gate expected 2 records synced, got %d", n)
		}

		for name, j := range map[string]*gate.Journal{"front": front, "back": back} {
			pending, err := j.PendingCount()
			suite.AssertNoError(t, err)
			if pending != 0 {
				t.Errorf("%s gate still has %d pending records", name, pending)
			}
		}
	})

	t.Run("ServerPicksOneWinner", func(t *testing.T) {
		stored, err := data.GetTicketByScanToken(contested)
		suite.AssertNoError(t, err)
		if stored.Status != data.TicketUsed {
			t.Fatalf("Expected contested ticket used, got %s", stored.Status)
		}
		if stored.ScannedBy != frontID {
			t.Errorf("Expected earlier scan (%s) to win, got %s", frontID, stored.ScannedBy)
		}

		count, err := data.NewScanRecordRepository().CountByEvent(event.ID)
		suite.AssertNoError(t, err)
		if count != 3 {
			t.Errorf("Expected 3 winning scan records on the server, got %d", count)
		}
	})

	t.Run("LoserFoldsServerVerdict", func(t *testing.T) {
		// The back gate's journal now reflects that the front gate admitted
		// the contested ticket first.
		outcome, err := back.Scan(contested, time.Now().UTC())
		suite.AssertNoError(t, err)
		if outcome.Result != checkin.ResultAlreadyScanned {
			t.Fatalf("Expected %s after folding server verdict, got %s",
				checkin.ResultAlreadyScanned, outcome.Result)
		}
		if outcome.ScannedBy != frontID {
			t.Errorf("Expected folded verdict to name %s, got %s", frontID, outcome.ScannedBy)
		}
	})

	t.Run("ReplayedUploadIsHarmless", func(t *testing.T) {
		// Force a re-upload of an already-acked record by scanning a ticket
		// that the other gate admitted; the server answers already_scanned
		// and the journal folds it without duplicating anything.
		outcome, err := front.Scan(tickets[2].ScanToken, time.Now().UTC())
		suite.AssertNoError(t, err)
		if outcome.Result != checkin.ResultScanned {
			t.Fatalf("Front gate expected stale local admit, got %s", outcome.Result)
		}

		if n := frontSync.SyncOnce(ctx); n != 1 {
			t.Errorf("Expected 1 record synced, got %d", n)
		}

		after, err := front.Scan(tickets[2].ScanToken, time.Now().UTC())
		suite.AssertNoError(t, err)
		if after.Result != checkin.ResultAlreadyScanned {
			t.Errorf("Expected folded already_scanned, got %s", after.Result)
		}

		count, err := data.NewScanRecordRepository().CountByEvent(event.ID)
		suite.AssertNoError(t, err)
		if count != 3 {
			t.Errorf("Scan record count changed on replay: got %d", count)
		}
	})
}

func TestJournalRejectsUnknownTicket(t *testing.T) {
	suite := NewTestSuite(t)

	journal := openTestJournal(t, suite, "gate-lonely")
	outcome, err := journal.Scan("never-synced-token", time.Now().UTC())
	suite.AssertNoError(t, err)
	if outcome.Result != checkin.ResultRejected || outcome.Reason != "unknown_ticket" {
		t.Errorf("Expected unknown_ticket rejection, got %s (%s)", outcome.Result, outcome.Reason)
	}

	// The denial itself is journaled for later upload.
	pending, err := journal.PendingCount()
	suite.AssertNoError(t, err)
	if pending != 1 {
		t.Errorf("Expected the rejected attempt journaled, got %d pending", pending)
	}
	records, err := journal.PendingRecords(10)
	suite.AssertNoError(t, err)
	if len(records) != 1 || records[0].Valid || records[0].Reason != "unknown_ticket" {
		t.Errorf("Expected an invalid unknown_ticket record, got %+v", records)
	}
}

// A gate running on a stale snapshot denies a ticket it has never heard of.
// The denial syncs up as an audit record without touching the server ticket.
func TestDeniedAttemptSyncsWithoutAdmitting(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 4000, 50)
	tickets := issueTickets(t, suite, event.ID, tier.ID, 1, "stale-gate@example.com")

	deviceID, deviceKey := suite.SeedDevice(t)
	journal := openTestJournal(t, suite, deviceID)
	syncer := gate.NewSyncer(journal, suite.Server.URL, deviceKey, event.ID, time.Minute)

	// No snapshot pulled: the gate does not know this ticket and turns the
	// holder away.
	outcome, err := journal.Scan(tickets[0].ScanToken, time.Now().UTC())
	suite.AssertNoError(t, err)
	if outcome.Result != checkin.ResultRejected {
		t.Fatalf("Expected local rejection, got %s", outcome.Result)
	}

	if n := syncer.SyncOnce(context.Background()); n != 1 {
		t.Errorf("Expected 1 record synced, got %d", n)
	}
	pending, err := journal.PendingCount()
	suite.AssertNoError(t, err)
	if pending != 0 {
		t.Errorf("Expected journal drained, got %d pending", pending)
	}

	stored, err := data.GetTicketByScanToken(tickets[0].ScanToken)
	suite.AssertNoError(t, err)
	if stored.Status != data.TicketValid {
		t.Fatalf("Denied upload changed server ticket to %s", stored.Status)
	}
}

func TestSnapshotMarksVoidedTickets(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 4000, 50)
	tickets := issueTickets(t, suite, event.ID, tier.ID, 1, "voided@example.com")

	_, err := suite.DB.Exec(`UPDATE tickets SET status = ? WHERE scan_token = ?`,
		data.TicketVoided, tickets[0].ScanToken)
	suite.AssertNoError(t, err)

	deviceID, deviceKey := suite.SeedDevice(t)
	journal := openTestJournal(t, suite, deviceID)
	syncer := gate.NewSyncer(journal, suite.Server.URL, deviceKey, event.ID, time.Minute)
	suite.AssertNoError(t, syncer.PullSnapshot(context.Background()))

	outcome, err := journal.Scan(tickets[0].ScanToken, time.Now().UTC())
	suite.AssertNoError(t, err)
	if outcome.Result != checkin.ResultRejected || outcome.Reason != "ticket_voided" {
		t.Errorf("Expected ticket_voided rejection, got %s (%s)", outcome.Result, outcome.Reason)
	}
}
