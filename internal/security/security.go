// internal/security/security.go
package security

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"boxoffice/internal/config"
	"boxoffice/internal/logger"
)

var (
	deviceKeys   = make(map[string]string) // device key -> device ID
	deviceKeysMu sync.RWMutex
	tokenExpiry  = make(map[string]time.Time)
	tokenMu      sync.Mutex
	tokenTTL     = time.Hour * 24
)

// GenerateAccessToken makes the bearer token buyers use to retrieve their
// order after checkout.
func GenerateAccessToken() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(bytes)

	tokenMu.Lock()
	tokenExpiry[token] = time.Now().Add(tokenTTL)
	tokenMu.Unlock()

	return token, nil
}

// GenerateScanToken creates the opaque token encoded into a ticket's QR code.
// Scan tokens never expire; their lifecycle is the ticket's status.
func GenerateScanToken() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// ValidateAccessToken checks a buyer token is known and unexpired. Tokens are
// not consumed; buyers may reload their confirmation page.
func ValidateAccessToken(token string) bool {
	tokenMu.Lock()
	defer tokenMu.Unlock()

	expiry, ok := tokenExpiry[token]
	return ok && time.Now().Before(expiry)
}

// RegisterAccessToken re-arms a token loaded from the database after restart,
// so stored orders stay reachable across process lifetimes.
func RegisterAccessToken(token string) {
	if token == "" {
		return
	}
	tokenMu.Lock()
	tokenExpiry[token] = time.Now().Add(tokenTTL)
	tokenMu.Unlock()
}

// CleanExpiredTokens periodically drops expired buyer access tokens.
func CleanExpiredTokens() {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for range ticker.C {
		tokenMu.Lock()
		for token, expiry := range tokenExpiry {
			if time.Now().After(expiry) {
				delete(tokenExpiry, token)
			}
		}
		tokenMu.Unlock()
		logger.LogInfo("Access token cleanup completed")
	}
}

// =============================================================================
// GATE DEVICE KEYS
// =============================================================================

// RegisterDeviceKey issues a key for a gate scanner device and returns it.
func RegisterDeviceKey(deviceID string) (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	key := base64.URLEncoding.EncodeToString(bytes)

	deviceKeysMu.Lock()
	deviceKeys[key] = deviceID
	deviceKeysMu.Unlock()

	return key, nil
}

// RegisterStaticDeviceKey installs a pre-provisioned device key, e.g. from
// configuration at startup.
func RegisterStaticDeviceKey(key, deviceID string) {
	if key == "" || deviceID == "" {
		return
	}
	deviceKeysMu.Lock()
	deviceKeys[key] = deviceID
	deviceKeysMu.Unlock()
}

// DeviceForKey resolves a device key to its device ID.
func DeviceForKey(key string) (string, bool) {
	deviceKeysMu.RLock()
	defer deviceKeysMu.RUnlock()

	id, ok := deviceKeys[key]
	return id, ok
}

// AddCORSHeaders adds CORS headers and handles OPTIONS requests globally.
func AddCORSHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", config.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
