// internal/checkin/checkin.go
package checkin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
	"boxoffice/internal/logger"
	"boxoffice/internal/middleware"
)

// Scan results
const (
	ResultScanned        = "scanned"
	ResultAlreadyScanned = "already_scanned"
	ResultRejected       = "rejected"
)

// ScanOutcome is the verdict for one scan attempt. For already_scanned it
// carries the winning scan's metadata so gate staff can see who admitted the
// ticket and when.
type ScanOutcome struct {
	Result       string     `json:"result"`
	Reason       string     `json:"reason,omitempty"`
	TicketNumber string     `json:"ticketNumber,omitempty"`
	OwnerName    string     `json:"ownerName,omitempty"`
	TierID       string     `json:"tierId,omitempty"`
	ScannedAt    *time.Time `json:"scannedAt,omitempty"`
	ScannedBy    string     `json:"scannedBy,omitempty"`
}

type Service struct {
	tickets *data.TicketRepository
	scans   *data.ScanRecordRepository
}

func NewService() *Service {
	return &Service{
		tickets: data.NewTicketRepository(),
		scans:   data.NewScanRecordRepository(),
	}
}

// Scan applies one scan attempt. recordID is the client-generated UUID for
// offline batch records; online scans pass a fresh one. The valid -> used
// transition is guarded, so exactly one of any set of concurrent scanners
// gets "scanned" and the rest get "already_scanned".
func (s *Service) Scan(ctx context.Context, recordID, scanToken, eventID, scannerID string, scannedAt time.Time) (*ScanOutcome, error) {
	var outcome *ScanOutcome

	err := data.WithTx(ctx, func(tx *sql.Tx) error {
		if recordID != "" {
			existing, err := s.scans.GetTx(tx, recordID)
			if err != nil {
				return err
			}
			if existing != nil {
				// Replayed batch record: return the original verdict.
				replay, err := s.replayOutcome(tx, existing, scanToken)
				if err != nil {
					return err
				}
				outcome = replay
				return nil
			}
		}

		tk, err := s.tickets.GetByScanTokenTx(tx, scanToken)
		if fault.Is(err, fault.NotFound) {
			outcome = &ScanOutcome{Result: ResultRejected, Reason: "unknown_ticket"}
			return nil
		}
		if err != nil {
			return err
		}

		// An empty eventID skips the event check (hand scanners that only
		// have the token).
		if eventID != "" && tk.EventID != eventID {
			outcome = &ScanOutcome{
				Result:       ResultRejected,
				Reason:       "wrong_event",
				TicketNumber: tk.TicketNumber,
			}
			return nil
		}

		switch tk.Status {
		case data.TicketUsed:
			outcome = &ScanOutcome{
				Result:       ResultAlreadyScanned,
				TicketNumber: tk.TicketNumber,
				OwnerName:    tk.OwnerName,
				TierID:       tk.TierID,
				ScannedAt:    tk.ScannedAt,
				ScannedBy:    tk.ScannedBy,
			}
			return nil
		case data.TicketVoided, data.TicketTransferred:
			outcome = &ScanOutcome{
				Result:       ResultRejected,
				Reason:       "ticket_" + tk.Status,
				TicketNumber: tk.TicketNumber,
			}
			return nil
		}

		won, err := s.tickets.MarkUsedTx(tx, tk.ID, scannedAt, scannerID)
		if err != nil {
			return err
		}
		if !won {
			// Lost the race; re-read for the winner's metadata.
			tk, err = s.tickets.GetByScanTokenTx(tx, scanToken)
			if err != nil {
				return err
			}
			outcome = &ScanOutcome{
				Result:       ResultAlreadyScanned,
				TicketNumber: tk.TicketNumber,
				OwnerName:    tk.OwnerName,
				TierID:       tk.TierID,
				ScannedAt:    tk.ScannedAt,
				ScannedBy:    tk.ScannedBy,
			}
			return nil
		}

		outcome = &ScanOutcome{
			Result:       ResultScanned,
			TicketNumber: tk.TicketNumber,
			OwnerName:    tk.OwnerName,
			TierID:       tk.TierID,
			ScannedAt:    &scannedAt,
			ScannedBy:    scannerID,
		}

		if recordID != "" {
			_, err = s.scans.InsertTx(tx, data.ScanRecord{
				ID:         recordID,
				TicketID:   tk.ID,
				EventID:    tk.EventID,
				ScannerID:  scannerID,
				ScannedAt:  scannedAt,
				Result:     ResultScanned,
				RecordedAt: time.Now().UTC(),
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// replayOutcome rebuilds the ack for a scan record that was already applied.
func (s *Service) replayOutcome(tx *sql.Tx, rec *data.ScanRecord, scanToken string) (*ScanOutcome, error) {
	tk, err := s.tickets.GetByScanTokenTx(tx, scanToken)
	if err != nil {
		return nil, err
	}

	scannedAt := rec.ScannedAt
	return &ScanOutcome{
		Result:       rec.Result,
		TicketNumber: tk.TicketNumber,
		OwnerName:    tk.OwnerName,
		TierID:       tk.TierID,
		ScannedAt:    &scannedAt,
		ScannedBy:    rec.ScannerID,
	}, nil
}

// =============================================================================
// HTTP HANDLERS
// =============================================================================

type scanRequest struct {
	ScanToken string `json:"scanToken"`
	EventID   string `json:"eventId"`
}

// ScanHandler handles a single online scan from a connected gate device.
func (s *Service) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := middleware.ParseJSONRequest(r, &req); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request",
			"Invalid JSON request", err.Error())
		return
	}
	if req.ScanToken == "" {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "missing_fields",
			"scanToken is required", "")
		return
	}

	scannerID := middleware.GetDeviceID(r.Context())
	outcome, err := s.Scan(r.Context(), uuid.NewString(), req.ScanToken, req.EventID, scannerID, time.Now().UTC())
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	middleware.WriteAPISuccess(w, r, outcome)
}

// BatchRecord is one offline scan attempt in a device upload. Valid reports
// the device's local verdict: only valid records can advance ticket state on
// the server, so a device that denied entry can never admit retroactively.
type BatchRecord struct {
	ID        string    `json:"id"`
	ScanToken string    `json:"scanToken"`
	ScannedAt time.Time `json:"scannedAt"`
	ScannerID string    `json:"scannerId,omitempty"`
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
}

// BatchAck pairs an uploaded record with the server's verdict.
type BatchAck struct {
	ID      string       `json:"id"`
	Outcome *ScanOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

type batchRequest struct {
	CheckIns []BatchRecord `json:"checkIns"`
}

// BatchHandler applies a batch of offline scans uploaded by a gate device.
// Each record is acked individually; replays of already-applied records get
// their original verdict back.
func (s *Service) BatchHandler(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")

	var req batchRequest
	if err := middleware.ParseJSONRequest(r, &req); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request",
			"Invalid JSON request", err.Error())
		return
	}
	if len(req.CheckIns) == 0 {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "empty_batch",
			"Batch must contain at least one check-in", "")
		return
	}

	deviceID := middleware.GetDeviceID(r.Context())
	logger.LogInfo("Applying batch of %d check-ins from device %s for event %s",
		len(req.CheckIns), deviceID, eventID)

	acks := make([]BatchAck, 0, len(req.CheckIns))
	for _, rec := range req.CheckIns {
		if rec.ID == "" {
			acks = append(acks, BatchAck{ID: rec.ID, Error: "missing record id"})
			continue
		}
		if _, err := uuid.Parse(rec.ID); err != nil {
			acks = append(acks, BatchAck{ID: rec.ID, Error: "record id is not a UUID"})
			continue
		}

		// A locally denied attempt carries its verdict for the record only;
		// applying it could admit a ticket the gate turned away.
		if !rec.Valid {
			result := ResultRejected
			reason := rec.Reason
			if reason == ResultAlreadyScanned {
				result, reason = ResultAlreadyScanned, ""
			}
			acks = append(acks, BatchAck{ID: rec.ID, Outcome: &ScanOutcome{Result: result, Reason: reason}})
			continue
		}

		scannerID := rec.ScannerID
		if scannerID == "" {
			scannerID = deviceID
		}
		scannedAt := rec.ScannedAt
		if scannedAt.IsZero() {
			scannedAt = time.Now().UTC()
		}

		outcome, err := s.Scan(r.Context(), rec.ID, rec.ScanToken, eventID, scannerID, scannedAt)
		if err != nil {
			logger.LogWarn("Batch record %s failed: %v", rec.ID, err)
			acks = append(acks, BatchAck{ID: rec.ID, Error: err.Error()})
			continue
		}
		acks = append(acks, BatchAck{ID: rec.ID, Outcome: outcome})
	}

	middleware.WriteAPISuccess(w, r, map[string]interface{}{
		"eventId": eventID,
		"acks":    acks,
	})
}

// SnapshotTicket is one ticket in a device bootstrap snapshot.
type SnapshotTicket struct {
	ScanToken    string     `json:"scanToken"`
	TicketNumber string     `json:"ticketNumber"`
	TierID       string     `json:"tierId"`
	OwnerName    string     `json:"ownerName"`
	Status       string     `json:"status"`
	ScannedAt    *time.Time `json:"scannedAt,omitempty"`
	ScannedBy    string     `json:"scannedBy,omitempty"`
}

// SnapshotHandler returns every ticket for an event so a gate device can
// validate offline.
func (s *Service) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")

	tickets, err := s.tickets.GetByEvent(eventID)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	snapshot := make([]SnapshotTicket, 0, len(tickets))
	for _, t := range tickets {
		snapshot = append(snapshot, SnapshotTicket{
			ScanToken:    t.ScanToken,
			TicketNumber: t.TicketNumber,
			TierID:       t.TierID,
			OwnerName:    t.OwnerName,
			Status:       t.Status,
			ScannedAt:    t.ScannedAt,
			ScannedBy:    t.ScannedBy,
		})
	}

	middleware.WriteAPISuccess(w, r, map[string]interface{}{
		"eventId":    eventID,
		"takenAt":    time.Now().UTC(),
		"tickets":    snapshot,
		"totalCount": len(snapshot),
	})
}
