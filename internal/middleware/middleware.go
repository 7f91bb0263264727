package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"boxoffice/internal/fault"
	"boxoffice/internal/logger"
	"boxoffice/internal/security"
)

// Request context keys
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	TokenKey     contextKey = "access_token"
	DeviceIDKey  contextKey = "device_id"
)

// Standard API error response
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

// Standard API success response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id"`
}

// Rate limiting per token
var (
	tokenRateLimiter = make(map[string]time.Time)
	tokenRateMu      sync.RWMutex
	tokenRateLimit   = time.Second * 2 // 2 seconds between requests per token
)

// APIMiddleware is the chain for public endpoints that do not require a token.
func APIMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return RequestID(
		Logging(
			ErrorHandling(next),
		),
	)
}

// TokenAPIMiddleware is the chain for buyer endpoints gated on an order
// access token.
func TokenAPIMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return RequestID(
		Logging(
			TokenValidation(
				TokenRateLimit(
					ErrorHandling(next),
				),
			),
		),
	)
}

// DeviceAPIMiddleware is the chain for gate scanner endpoints authenticated
// with a device key.
func DeviceAPIMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return RequestID(
		Logging(
			DeviceAuth(
				ErrorHandling(next),
			),
		),
	)
}

// RequestID middleware adds a unique request ID to each request
func RequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Logging middleware logs all API requests with consistent format
func Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := getRequestID(r.Context())

		logger.LogInfo("API request started: id=%s %s %s from %s",
			requestID, r.Method, r.URL.Path, logger.GetClientIP(r))

		// Create a response writer that captures status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		logger.LogInfo("API request completed: id=%s status=%d in %s",
			requestID, rw.statusCode, duration)
	}
}

// GetToken retrieves the access token from request context
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(TokenKey).(string); ok {
		return token
	}
	return ""
}

// GetDeviceID retrieves the authenticated device ID from request context
func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(DeviceIDKey).(string); ok {
		return id
	}
	return ""
}

// TokenValidation middleware validates order access tokens
func TokenValidation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Access-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			WriteAPIError(w, r, http.StatusUnauthorized, "missing_token", "Access token required", "")
			return
		}

		if !security.ValidateAccessToken(token) {
			WriteAPIError(w, r, http.StatusUnauthorized, "invalid_token", "Access token is invalid or expired", "")
			return
		}

		ctx := context.WithValue(r.Context(), TokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// DeviceAuth middleware authenticates gate scanner devices by device key
func DeviceAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Device-Key")
		if key == "" {
			WriteAPIError(w, r, http.StatusUnauthorized, "missing_device_key", "Device key required", "")
			return
		}

		deviceID, ok := security.DeviceForKey(key)
		if !ok {
			WriteAPIError(w, r, http.StatusUnauthorized, "invalid_device_key", "Device key is not registered", "")
			return
		}

		ctx := context.WithValue(r.Context(), DeviceIDKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// TokenRateLimit implements rate limiting per access token
func TokenRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := GetToken(r.Context())
		if token == "" {
			next.ServeHTTP(w, r) // Should be caught by TokenValidation
			return
		}

		tokenRateMu.Lock()
		lastRequest, exists := tokenRateLimiter[token]
		now := time.Now()

		if exists && now.Sub(lastRequest) < tokenRateLimit {
			tokenRateMu.Unlock()
			WriteAPIError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded",
				"Too many requests. Please wait before trying again.", "")
			return
		}

		tokenRateLimiter[token] = now
		tokenRateMu.Unlock()

		next.ServeHTTP(w, r)
	}
}

// ErrorHandling middleware provides panic recovery and consistent error responses
func ErrorHandling(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := getRequestID(r.Context())
				logger.LogError("Panic in API handler: id=%s %s %s: %v",
					requestID, r.Method, r.URL.Path, err)
				WriteAPIError(w, r, http.StatusInternalServerError, "internal_error",
					"An internal error occurred", "")
			}
		}()
		next.ServeHTTP(w, r)
	}
}

// Helper functions
func generateRequestID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WriteAPIError writes a standardized error response
func WriteAPIError(w http.ResponseWriter, r *http.Request, statusCode int, code, message, details string) {
	requestID := getRequestID(r.Context())

	response := APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// WriteFault maps a classified error onto the standard error response.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		WriteAPIError(w, r, fault.HTTPStatus(fe), fe.Code, fe.Message, "")
		return
	}
	WriteAPIError(w, r, http.StatusInternalServerError, "internal_error", "An internal error occurred", "")
}

// WriteAPISuccess writes a standardized success response
func WriteAPISuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	requestID := getRequestID(r.Context())

	response := APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ParseJSONRequest parses JSON request body into the provided struct
func ParseJSONRequest(r *http.Request, v interface{}) error {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return fmt.Errorf("content-type must be application/json")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields() // Strict parsing
	return decoder.Decode(v)
}
