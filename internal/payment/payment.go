// internal/payment/payment.go
package payment

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"boxoffice/internal/config"
	"boxoffice/internal/fault"
	"boxoffice/internal/logger"
)

var (
	cachedProviderToken     string
	cachedProviderExpiresAt time.Time
	tokenMu                 sync.Mutex
)

// ChargeRequest asks the provider to capture a payment for one order.
type ChargeRequest struct {
	OrderID     string
	Amount      int64 // minor units
	Currency    string
	Description string
	BuyerEmail  string
}

// ChargeResult is the provider's acknowledgment of a submitted charge. The
// final outcome arrives later on the webhook.
type ChargeResult struct {
	ChargeRef string
	Status    string
}

// ChargeClient is the provider surface the order and refund paths depend on.
type ChargeClient interface {
	RequestCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	GetChargeOutcome(ctx context.Context, chargeRef string) (outcome, failureReason string, err error)
	Refund(ctx context.Context, chargeRef string, amount int64) error
}

// ProviderClient talks to the payment provider's REST API.
type ProviderClient struct {
	httpClient *http.Client
}

func NewProviderClient() *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		},
	}
}

type providerTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetProviderAccessToken returns a cached OAuth token, fetching a fresh one
// when the cache is empty or near expiry.
func (c *ProviderClient) GetProviderAccessToken(ctx context.Context) (string, error) {
	tokenMu.Lock()
	if cachedProviderToken != "" && time.Now().Before(cachedProviderExpiresAt) {
		token := cachedProviderToken
		tokenMu.Unlock()
		return token, nil
	}
	tokenMu.Unlock()

	authURL := fmt.Sprintf("%s/v1/oauth2/token", config.APIBase())
	formData := url.Values{}
	formData.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating provider auth request: %w", err)
	}
	req.SetBasicAuth(config.ClientID(), config.ClientSecret())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	logger.LogInfo("Requesting new provider access token")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing provider auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading provider auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.LogError("Provider auth error (HTTP %d): %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("provider auth returned status %d: %s", resp.StatusCode, string(body))
	}

	var result providerTokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing provider auth response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("access token not found in provider response")
	}

	// Renew 1 minute before actual expiry
	tokenMu.Lock()
	cachedProviderToken = fmt.Sprintf("%s %s", result.TokenType, result.AccessToken)
	cachedProviderExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)
	token := cachedProviderToken
	tokenMu.Unlock()

	logger.LogInfo("Fetched and cached new provider access token (expires at %v)", cachedProviderExpiresAt)
	return token, nil
}

// RequestCharge submits a capture request for the order total. The provider
// answers with a charge reference; whether the charge ultimately succeeds is
// reported asynchronously on the webhook.
func (c *ProviderClient) RequestCharge(ctx context.Context, chargeReq ChargeRequest) (*ChargeResult, error) {
	accessToken, err := c.getAccessTokenWithRetry(ctx, 3)
	if err != nil {
		return nil, fault.Wrap(err, fault.ExternalDependency, "provider_unavailable", "Payment provider unavailable")
	}

	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"amount": map[string]interface{}{
			"currency_code": chargeReq.Currency,
			"value_minor":   chargeReq.Amount,
		},
		"description": chargeReq.Description,
		"invoice_id":  chargeReq.OrderID,
		"payer_email": chargeReq.BuyerEmail,
	}

	body, err := c.postWithRetry(ctx, fmt.Sprintf("%s/v2/charges", config.APIBase()), accessToken, payload, http.StatusCreated, 3)
	if err != nil {
		return nil, fault.Wrap(err, fault.ExternalDependency, "charge_failed", "Payment provider rejected the charge")
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing charge response: %w", err)
	}
	if result.ID == "" {
		return nil, fault.New(fault.ExternalDependency, "invalid_provider_response", "Provider response missing charge reference")
	}

	logger.LogInfo("Charge %s submitted for order %s (%d minor units)", result.ID, chargeReq.OrderID, chargeReq.Amount)
	return &ChargeResult{ChargeRef: result.ID, Status: result.Status}, nil
}

// GetChargeOutcome asks the provider for a charge's settled state. Anything
// the provider has not settled comes back as pending.
func (c *ProviderClient) GetChargeOutcome(ctx context.Context, chargeRef string) (string, string, error) {
	accessToken, err := c.getAccessTokenWithRetry(ctx, 3)
	if err != nil {
		return "", "", fault.Wrap(err, fault.ExternalDependency, "provider_unavailable", "Payment provider unavailable")
	}

	chargeURL := fmt.Sprintf("%s/v2/charges/%s", config.APIBase(), chargeRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chargeURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("creating charge lookup request: %w", err)
	}
	req.Header.Set("Authorization", accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fault.Wrap(err, fault.ExternalDependency, "provider_unavailable", "Payment provider unavailable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("reading charge lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fault.New(fault.ExternalDependency, "provider_unavailable",
			"Charge lookup returned status %d", resp.StatusCode)
	}

	var result struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", fmt.Errorf("parsing charge lookup response: %w", err)
	}

	switch strings.ToUpper(result.Status) {
	case "COMPLETED", "CAPTURED", "SUCCEEDED":
		return OutcomeSucceeded, "", nil
	case "DECLINED", "FAILED", "VOIDED":
		reason := result.FailureReason
		if reason == "" {
			reason = "payment_declined"
		}
		return OutcomeFailed, reason, nil
	default:
		return OutcomePending, "", nil
	}
}

// Refund asks the provider to reverse a captured charge.
func (c *ProviderClient) Refund(ctx context.Context, chargeRef string, amount int64) error {
	accessToken, err := c.getAccessTokenWithRetry(ctx, 3)
	if err != nil {
		return fault.Wrap(err, fault.ExternalDependency, "provider_unavailable", "Payment provider unavailable")
	}

	payload := map[string]interface{}{
		"amount": map[string]interface{}{
			"currency_code": "USD",
			"value_minor":   amount,
		},
	}

	refundURL := fmt.Sprintf("%s/v2/charges/%s/refund", config.APIBase(), chargeRef)
	if _, err := c.postWithRetry(ctx, refundURL, accessToken, payload, http.StatusCreated, 3); err != nil {
		return fault.Wrap(err, fault.ExternalDependency, "refund_failed", "Payment provider rejected the refund")
	}

	logger.LogInfo("Refund submitted for charge %s (%d minor units)", chargeRef, amount)
	return nil
}

func (c *ProviderClient) getAccessTokenWithRetry(ctx context.Context, maxRetries int) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		token, err := c.GetProviderAccessToken(ctx)
		if err == nil {
			return token, nil
		}

		lastErr = err
		logger.LogWarn("Provider access token attempt %d failed: %v", attempt, err)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return "", fmt.Errorf("failed to get provider access token after %d attempts: %w", maxRetries, lastErr)
}

func (c *ProviderClient) postWithRetry(ctx context.Context, url, accessToken string, payload interface{}, wantStatus, maxRetries int) ([]byte, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling provider request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(bodyBytes)))
		if err != nil {
			return nil, fmt.Errorf("creating provider request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			logger.LogWarn("Provider request attempt %d failed: %v", attempt, err)
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt) * time.Second):
				}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			logger.LogWarn("Failed to read provider response on attempt %d: %v", attempt, readErr)
			if attempt < maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
			}
			continue
		}

		if resp.StatusCode != wantStatus {
			lastErr = fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
			logger.LogWarn("Provider request attempt %d returned status %d", attempt, resp.StatusCode)
			// Client errors will not improve with retries
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
			if attempt < maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
			}
			continue
		}

		return body, nil
	}

	return nil, fmt.Errorf("provider request failed after %d attempts: %w", maxRetries, lastErr)
}
