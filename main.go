// main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"boxoffice/internal/checkin"
	"boxoffice/internal/cleanup"
	"boxoffice/internal/config"
	"boxoffice/internal/data"
	"boxoffice/internal/fulfillment"
	"boxoffice/internal/inventory"
	"boxoffice/internal/logger"
	"boxoffice/internal/middleware"
	"boxoffice/internal/order"
	"boxoffice/internal/payment"
	"boxoffice/internal/security"
)

type App struct {
	addr          string
	mux           *http.ServeMux
	connections   sync.WaitGroup
	totalRequests int64
}

func main() {
	// Step 1: Setup configuration first
	config.LoadEnv()
	config.ConfigurePaths()

	// Step 2: Setup logging
	loggerConfig := config.LoggerConfig()
	if err := logger.SetupLogger(loggerConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Only NOW is logging safe to use!
	logger.LogInfo("Environment and paths loaded. Logger ready.")

	// Step 3: Load ticketing and provider configuration
	config.LoadTicketingConfig()
	config.LoadCORSConfig()
	if err := config.LoadPaymentConfig(); err != nil {
		logger.LogFatal("Failed to load payment config: %v", err)
	}
	config.LogCurrentEnvironment()

	// Step 4: Open the database and create tables
	if err := data.InitDB(config.DatabasePath()); err != nil {
		logger.LogFatal("Failed to initialize database: %v", err)
	}
	defer data.CloseDB()
	if err := data.CreateTables(); err != nil {
		logger.LogFatal("Failed to create tables: %v", err)
	}

	// Step 5: Wire services
	inventorySvc := inventory.NewService(config.ServiceFeePercent())
	chargeClient := payment.NewProviderClient()
	fulfillmentSvc := fulfillment.NewService()
	orderSvc := order.NewService(inventorySvc, chargeClient, fulfillmentSvc)
	checkinSvc := checkin.NewService()

	payment.SetOutcomeHandler(fulfillmentSvc.HandleOutcome)

	registerDeviceKeys()
	rearmAccessTokens()

	// Step 6: Start background tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go security.CleanExpiredTokens()
	cleanup.NewReaper(config.ReaperInterval(), config.ReaperRetention()).Start(ctx)
	go payment.NewRefundWorker(chargeClient, time.Minute).Run(ctx)

	// Step 7: Run server
	app := &App{
		addr: serverAddress(),
		mux:  routes(orderSvc, checkinSvc),
	}
	app.Run()
}

// serverAddress builds the server address from environment variables
func serverAddress() string {
	host := os.Getenv("SERVER_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "5051"
	}
	return host + ":" + port
}

// registerDeviceKeys installs pre-provisioned gate device keys from
// GATE_DEVICE_KEYS, formatted as device1=key1,device2=key2.
func registerDeviceKeys() {
	raw := os.Getenv("GATE_DEVICE_KEYS")
	if raw == "" {
		return
	}

	count := 0
	for _, pair := range strings.Split(raw, ",") {
		deviceID, key, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			logger.LogWarn("Skipping malformed device key entry: %q", pair)
			continue
		}
		security.RegisterStaticDeviceKey(key, deviceID)
		count++
	}
	logger.LogInfo("Registered %d gate device keys", count)
}

// rearmAccessTokens reloads buyer tokens for recent orders so confirmation
// pages keep working across restarts.
func rearmAccessTokens() {
	tokens, err := data.NewOrderRepository().RecentAccessTokens(time.Now().Add(-24 * time.Hour))
	if err != nil {
		logger.LogWarn("Failed to reload recent access tokens: %v", err)
		return
	}
	for _, token := range tokens {
		security.RegisterAccessToken(token)
	}
	logger.LogInfo("Re-armed %d buyer access tokens", len(tokens))
}

// routes sets up all API routes
func routes(orderSvc *order.Service, checkinSvc *checkin.Service) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/orders", middleware.APIMiddleware(orderSvc.PlaceOrderHandler))
	mux.HandleFunc("GET /api/order-details", middleware.TokenAPIMiddleware(orderSvc.OrderDetailsHandler))
	mux.HandleFunc("POST /api/orders/complete", middleware.TokenAPIMiddleware(orderSvc.CompleteOrderHandler))
	mux.HandleFunc("POST /api/payment-webhook", payment.ProviderWebhookHandler)
	mux.HandleFunc("POST /api/scan", middleware.DeviceAPIMiddleware(checkinSvc.ScanHandler))
	mux.HandleFunc("POST /api/events/{id}/check-ins/batch", middleware.DeviceAPIMiddleware(checkinSvc.BatchHandler))
	mux.HandleFunc("GET /api/events/{id}/check-ins/snapshot", middleware.DeviceAPIMiddleware(checkinSvc.SnapshotHandler))

	return mux
}

// Run starts the HTTP server

func (a *App) Run() {
	server := &http.Server{
		Addr:         a.addr,
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for shutdown signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in a separate goroutine
	go func() {
		logger.LogInfo("Starting server on %s", a.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogFatal("Server failed: %v", err)
		}
	}()

	// Wait for a shutdown signal
	<-stop
	logger.LogInfo("Shutdown signal received")

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown the server gracefully
	if err := server.Shutdown(ctx); err != nil {
		logger.LogError("Server shutdown error: %v", err)
	}

	// Wait for active connections to finish
	logger.LogInfo("Waiting for active connections to finish...")
	a.connections.Wait()
	logger.LogInfo("All connections closed. Total requests handled: %d", atomic.LoadInt64(&a.totalRequests))
	logger.LogInfo("Server shut down gracefully")
}

// Handler assembles all middleware around the main mux
func (a *App) Handler() http.Handler {
	var handler http.Handler = a.mux

	handler = a.trackConnections(handler)
	handler = security.AddCORSHeaders(handler)
	handler = withTimeout(handler, 15*time.Second)

	return handler
}

// Middleware: timeout handler
func withTimeout(h http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(h, timeout, "Request timed out")
}

// Middleware: track active connections and total requests
func (a *App) trackConnections(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.connections.Add(1)
		atomic.AddInt64(&a.totalRequests, 1)
		defer a.connections.Done()

		h.ServeHTTP(w, r)
	})
}
