// internal/payment/webhook.go
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"boxoffice/internal/config"
	"boxoffice/internal/fault"
	"boxoffice/internal/logger"
)

// Outcome values reported by the provider. Pending means the provider has
// not settled the charge yet and must never be treated as success.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// OutcomeHandler is the fulfillment entry point. Wired from main to avoid a
// package cycle with the fulfillment layer.
type OutcomeHandler func(ctx context.Context, chargeRef, outcome, failureReason string) error

var (
	outcomeHandler OutcomeHandler
	verifyClient   = NewProviderClient()
)

func SetOutcomeHandler(h OutcomeHandler) {
	outcomeHandler = h
}

// ProviderWebhookHandler processes incoming payment outcome POSTs from the
// provider. The provider retries delivery until it sees 200, so every path
// through here must be idempotent.
func ProviderWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	logger.LogInfo("Received provider webhook request")
	logger.LogHTTPRequest(r)

	payloadBytes, err := io.ReadAll(r.Body)
	if err != nil {
		logger.LogHTTPError(r, http.StatusBadRequest, err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	transmissionID := r.Header.Get("Provider-Transmission-Id")

	if !verifyProviderWebhookSignature(
		transmissionID,
		r.Header.Get("Provider-Transmission-Sig"),
		r.Header.Get("Provider-Transmission-Time"),
		payloadBytes,
	) {
		logger.LogError("Invalid provider webhook signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event struct {
		ChargeRef     string `json:"chargeRef"`
		Outcome       string `json:"outcome"`
		FailureReason string `json:"failureReason"`
	}
	if err := json.Unmarshal(payloadBytes, &event); err != nil {
		logger.LogHTTPError(r, http.StatusBadRequest, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	if event.ChargeRef == "" {
		logger.LogInfo("Webhook has no charge reference, ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.Outcome != OutcomeSucceeded && event.Outcome != OutcomeFailed {
		logger.LogWarn("Webhook has unknown outcome %q for charge %s, ignoring", event.Outcome, event.ChargeRef)
		w.WriteHeader(http.StatusOK)
		return
	}

	if outcomeHandler == nil {
		logger.LogError("Webhook outcome handler not wired")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	err = outcomeHandler(r.Context(), event.ChargeRef, event.Outcome, event.FailureReason)
	switch {
	case err == nil:
		logger.LogInfo("Webhook for charge %s processed successfully", event.ChargeRef)
		w.WriteHeader(http.StatusOK)
	case fault.Is(err, fault.DuplicateOutcome):
		// Redelivery of an outcome we already applied.
		logger.LogInfo("Webhook for charge %s was a duplicate delivery", event.ChargeRef)
		w.WriteHeader(http.StatusOK)
	case fault.Is(err, fault.NotFound):
		// Unknown charge refs are acknowledged so the provider stops retrying.
		logger.LogWarn("Webhook for unknown charge %s acknowledged", event.ChargeRef)
		w.WriteHeader(http.StatusOK)
	default:
		logger.LogError("Webhook processing failed for charge %s: %v", event.ChargeRef, err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
	}
}

// verifyProviderWebhookSignature verifies the authenticity of the webhook.
func verifyProviderWebhookSignature(transmissionID, transmissionSig, transmissionTime string, payload []byte) bool {
	if config.UseMockWebhookVerification {
		logger.LogInfo("Mock webhook verification enabled. Skipping real verification.")
		return true
	}

	ctx := context.Background()

	if config.ProviderWebhookID == "" {
		logger.LogWarn("Missing PAYMENT_WEBHOOK_ID; signature verification will fail")
		return false
	}

	accessToken, err := verifyClient.GetProviderAccessToken(ctx)
	if err != nil {
		logger.LogError("Failed to get access token for webhook verification: %v", err)
		return false
	}

	verificationPayload := map[string]interface{}{
		"transmission_id":   transmissionID,
		"transmission_sig":  transmissionSig,
		"transmission_time": transmissionTime,
		"webhook_id":        config.ProviderWebhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	bodyBytes, err := json.Marshal(verificationPayload)
	if err != nil {
		logger.LogError("Failed to marshal verification payload: %v", err)
		return false
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/notifications/verify-webhook-signature", config.APIBase()), strings.NewReader(string(bodyBytes)))
	if err != nil {
		logger.LogError("Failed to create webhook verification request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.LogError("Webhook verification request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logger.LogError("Failed to decode verification response: %v", err)
		return false
	}

	logger.LogInfo("Webhook verification status: %s", result.VerificationStatus)
	return result.VerificationStatus == "SUCCESS"
}
