// internal/gate/sync.go
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"boxoffice/internal/checkin"
	"boxoffice/internal/logger"
)

// Syncer reconciles a device journal with the server: it uploads journaled
// scans in batches and folds the server's per-record verdicts back into local
// state. Connectivity failures leave records queued for the next pass.
type Syncer struct {
	journal    *Journal
	httpClient *http.Client
	baseURL    string
	deviceKey  string
	eventID    string
	interval   time.Duration
	batchSize  int
	trigger    chan struct{}
}

func NewSyncer(journal *Journal, baseURL, deviceKey, eventID string, interval time.Duration) *Syncer {
	return &Syncer{
		journal:    journal,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceKey:  deviceKey,
		eventID:    eventID,
		interval:   interval,
		batchSize:  100,
		trigger:    make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate sync pass, e.g. when connectivity returns.
func (s *Syncer) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on a ticker and on manual triggers until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.LogInfo("Syncer stopping")
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		case <-s.trigger:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce uploads one batch of pending records. Returns the number of
// records acked.
func (s *Syncer) SyncOnce(ctx context.Context) int {
	records, err := s.journal.PendingRecords(s.batchSize)
	if err != nil {
		logger.LogError("Failed to load pending records: %v", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	acks, err := s.uploadBatchWithRetry(ctx, records, 3)
	if err != nil {
		logger.LogWarn("Batch upload failed, %d records stay queued: %v", len(records), err)
		return 0
	}

	tokens := make(map[string]string, len(records))
	for _, rec := range records {
		tokens[rec.ID] = rec.ScanToken
	}

	applied := 0
	for _, ack := range acks {
		if ack.Error != "" {
			logger.LogWarn("Server rejected record %s: %s", ack.ID, ack.Error)
			continue
		}
		if err := s.journal.ApplyAck(ack, tokens[ack.ID]); err != nil {
			logger.LogError("Failed to apply ack for record %s: %v", ack.ID, err)
			continue
		}
		applied++
	}

	logger.LogInfo("Synced %d of %d journal records", applied, len(records))
	return applied
}

func (s *Syncer) uploadBatchWithRetry(ctx context.Context, records []checkin.BatchRecord, maxRetries int) ([]checkin.BatchAck, error) {
	payload, err := json.Marshal(map[string]interface{}{"checkIns": records})
	if err != nil {
		return nil, fmt.Errorf("marshaling batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/events/%s/check-ins/batch", s.baseURL, s.eventID)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		acks, err := s.postBatch(ctx, url, payload)
		if err == nil {
			return acks, nil
		}

		lastErr = err
		logger.LogWarn("Batch upload attempt %d failed: %v", attempt, err)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return nil, fmt.Errorf("batch upload failed after %d attempts: %w", maxRetries, lastErr)
}

func (s *Syncer) postBatch(ctx context.Context, url string, payload []byte) ([]checkin.BatchAck, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("creating batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Key", s.deviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing batch request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading batch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch upload returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Acks []checkin.BatchAck `json:"acks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing batch response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("batch upload was not successful")
	}

	return envelope.Data.Acks, nil
}

// PullSnapshot fetches the event's ticket snapshot and replaces local state.
// Called at startup and whenever staff request a refresh.
func (s *Syncer) PullSnapshot(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/events/%s/check-ins/snapshot", s.baseURL, s.eventID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating snapshot request: %w", err)
	}
	req.Header.Set("X-Device-Key", s.deviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing snapshot request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading snapshot response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Tickets []checkin.SnapshotTicket `json:"tickets"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parsing snapshot response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("snapshot request was not successful")
	}

	return s.journal.ApplySnapshot(envelope.Data.Tickets)
}
