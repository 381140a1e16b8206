package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"openrange/internal/adapters/logger" // Import the logger package for LogLevel
)

// FeedKind selects the market data adapter.
type FeedKind string

const (
	FeedBinance FeedKind = "binance"
	FeedNinja   FeedKind = "ninja"
)

// Config holds all application configuration.
type Config struct {
	// Feed selection
	Feed FeedKind

	// Binance feed
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool

	// NinjaTrader bridge feed
	BridgeWebsocketURL string
	BridgeHTTPURL      string

	// Engine
	TimetablePath    string
	BarInterval      time.Duration
	HydrationTimeout time.Duration
	LiveMode         bool   // real-time mode; false disables the execution gate entirely
	AdminToken       string // required by the administrative reopen path; empty disables it

	// Journal
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "text" or "json"

	// Metrics
	MetricsAddr string // empty disables the /metrics listener

	// Connection settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	feed := strings.ToLower(getEnv("FEED", string(FeedNinja)))
	switch FeedKind(feed) {
	case FeedBinance, FeedNinja:
		cfg.Feed = FeedKind(feed)
	default:
		errs = append(errs, fmt.Sprintf("FEED must be %q or %q, got %q", FeedBinance, FeedNinja, feed))
	}

	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.BinanceTestnet = getEnvAsBool("BINANCE_TESTNET", true)

	cfg.BridgeWebsocketURL = getEnv("BRIDGE_WS_URL", "ws://127.0.0.1:8077/stream")
	cfg.BridgeHTTPURL = getEnv("BRIDGE_HTTP_URL", "http://127.0.0.1:8077")
	if cfg.Feed == FeedNinja && (cfg.BridgeWebsocketURL == "" || cfg.BridgeHTTPURL == "") {
		errs = append(errs, "BRIDGE_WS_URL and BRIDGE_HTTP_URL must be set for the ninja feed")
	}

	cfg.TimetablePath = getEnv("TIMETABLE_PATH", "./timetable.yaml")
	if cfg.TimetablePath == "" {
		errs = append(errs, "TIMETABLE_PATH must be set")
	}

	barIntervalSeconds := getEnvAsInt("BAR_INTERVAL_SECONDS", 60)
	if barIntervalSeconds <= 0 {
		errs = append(errs, "BAR_INTERVAL_SECONDS must be positive")
	}
	cfg.BarInterval = time.Duration(barIntervalSeconds) * time.Second

	hydrationTimeoutSeconds := getEnvAsInt("HYDRATION_TIMEOUT_SECONDS", 120)
	if hydrationTimeoutSeconds <= 0 {
		errs = append(errs, "HYDRATION_TIMEOUT_SECONDS must be positive")
	}
	cfg.HydrationTimeout = time.Duration(hydrationTimeoutSeconds) * time.Second

	cfg.LiveMode = getEnvAsBool("LIVE_MODE", false) // Default off for safety
	cfg.AdminToken = getEnv("ADMIN_OVERRIDE_TOKEN", "")

	cfg.DBPath = getEnv("DB_PATH", "./data/openrange.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be \"text\" or \"json\", got %q", cfg.LogFormat))
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
