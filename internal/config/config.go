// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"boxoffice/internal/logger"
)

// Variables available everywhere
var (
	clientID, clientSecret, apiBase string
	baseDir                         string
	dataDirectory                   string
	logsDirectory                   string
	databasePath                    string

	serviceFeePercent float64
	reaperInterval    time.Duration
	reaperRetention   time.Duration

	LogFileFormat              string
	AllowedOrigin              string // For CORS
	ProviderWebhookID          string
	UseMockWebhookVerification bool
)

const (
	defaultServiceFeePercent = 4.0
	defaultReaperInterval    = time.Hour
	defaultReaperRetention   = 48 * time.Hour
)

//
// --- Utility Helpers ---
//

// Helper: get a setting based on ENVIRONMENT (dev or prod)
func GetEnvBasedSetting(base string) string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	return os.Getenv(fmt.Sprintf("%s_%s", base, strings.ToUpper(env)))
}

// Helper: log which environment is running
func LogCurrentEnvironment() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	if env == "dev" {
		logger.LogInfo("Running in development environment")
	} else {
		logger.LogInfo("Running in production environment")
	}
}

//
// --- Loaders ---
//

// LoadEnv reads .env file
func LoadEnv() {
	wd, err := os.Getwd()
	if err != nil {
		log.Printf("Could not determine working directory: %v", err)
	} else {
		log.Printf("Current working directory: %s", wd)
	}

	err = godotenv.Load(".env")
	if err != nil {
		log.Printf("No .env file found in %s. Using system environment variables.", wd)
	} else {
		log.Printf("Loaded environment variables from .env file in %s", wd)
	}

	UseMockWebhookVerification = os.Getenv("USE_MOCK_WEBHOOK") == "true"
}

// LoggerConfig returns a logger.Config struct populated from environment
func LoggerConfig() logger.Config {
	logDir := GetEnvBasedSetting("LOGS_DIRECTORY")
	if logDir == "" {
		logDir = "./logs"
	}

	logFormat := GetEnvBasedSetting("LOG_FILE_FORMAT")
	if logFormat == "" {
		logFormat = "server_%s.log"
	}

	return logger.Config{
		LogsDirectory: logDir,
		LogFileFormat: logFormat,
	}
}

// ConfigurePaths sets up folders and paths
func ConfigurePaths() {
	wd, err := os.Getwd()
	if err != nil {
		logger.LogFatal("Failed to get working directory: %v", err)
	}
	baseDir = wd

	env := os.Getenv("APP_ENV")
	if env == "production" {
		AllowedOrigin = os.Getenv("ALLOWED_ORIGIN_PROD")
	} else {
		AllowedOrigin = os.Getenv("ALLOWED_ORIGIN_DEV")
	}

	dataDir := GetEnvBasedSetting("DATA_DIRECTORY")
	if dataDir != "" {
		dataDirectory = dataDir
	} else {
		dataDirectory = filepath.Join(baseDir, "data")
	}

	logsDir := GetEnvBasedSetting("LOGS_DIRECTORY")
	if logsDir != "" {
		logsDirectory = logsDir
	} else {
		logsDirectory = filepath.Join(baseDir, "logs")
	}

	dbPath := GetEnvBasedSetting("DATABASE_PATH")
	if dbPath != "" {
		databasePath = dbPath
	} else {
		databasePath = filepath.Join(dataDirectory, "boxoffice.db")
	}

	LogFileFormat = filepath.Join(logsDirectory, "server_%s.log")
}

// LoadTicketingConfig loads sale policy settings
func LoadTicketingConfig() {
	serviceFeePercent = defaultServiceFeePercent
	if raw := os.Getenv("SERVICE_FEE_PERCENT"); raw != "" {
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil || pct < 0 || pct > 100 {
			logger.LogWarn("Invalid SERVICE_FEE_PERCENT %q, using default %.1f%%", raw, defaultServiceFeePercent)
		} else {
			serviceFeePercent = pct
		}
	}
	logger.LogInfo("Service fee set to %.2f%%", serviceFeePercent)

	reaperInterval = defaultReaperInterval
	if raw := os.Getenv("ORDER_REAPER_INTERVAL_MINUTES"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			logger.LogWarn("Invalid ORDER_REAPER_INTERVAL_MINUTES %q, using default %v", raw, defaultReaperInterval)
		} else {
			reaperInterval = time.Duration(minutes) * time.Minute
		}
	}

	reaperRetention = defaultReaperRetention
	if raw := os.Getenv("ORDER_RETENTION_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			logger.LogWarn("Invalid ORDER_RETENTION_HOURS %q, using default %v", raw, defaultReaperRetention)
		} else {
			reaperRetention = time.Duration(hours) * time.Hour
		}
	}
}

// LoadPaymentConfig sets up the payment provider credentials
func LoadPaymentConfig() error {
	clientID = os.Getenv("PAYMENT_CLIENT_ID")
	clientSecret = os.Getenv("PAYMENT_CLIENT_SECRET")

	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("payment provider credentials are missing or incomplete")
	}

	mode := os.Getenv("PAYMENT_MODE")
	if mode == "live" {
		apiBase = os.Getenv("PAYMENT_API_BASE_LIVE")
		logger.LogInfo("Using payment provider live environment")
	} else {
		apiBase = os.Getenv("PAYMENT_API_BASE_SANDBOX")
		logger.LogInfo("Using payment provider sandbox environment")
	}
	if apiBase == "" {
		return fmt.Errorf("payment provider API base is not configured")
	}

	ProviderWebhookID = os.Getenv("PAYMENT_WEBHOOK_ID")
	if ProviderWebhookID == "" {
		logger.LogWarn("PAYMENT_WEBHOOK_ID is not set in environment")
	}

	return nil
}

// LoadCORSConfig loads CORS settings
func LoadCORSConfig() {
	AllowedOrigin = GetEnvBasedSetting("ALLOWED_ORIGIN")
	if AllowedOrigin == "" {
		AllowedOrigin = "*" // Allow all - be careful in prod
		logger.LogWarn("ALLOWED_ORIGIN not set, using '*' (allow all origins) - SECURITY RISK")
	} else {
		logger.LogInfo("Allowed Origin: %s", AllowedOrigin)
	}
}

//
// --- Getters (exported) ---
//

func DataDirectory() string {
	return dataDirectory
}

func LogsDirectory() string {
	return logsDirectory
}

func DatabasePath() string {
	return databasePath
}

func APIBase() string {
	return apiBase
}

func ClientID() string {
	return clientID
}

func ClientSecret() string {
	return clientSecret
}

func ServiceFeePercent() float64 {
	return serviceFeePercent
}

func ReaperInterval() time.Duration {
	return reaperInterval
}

func ReaperRetention() time.Duration {
	return reaperRetention
}
