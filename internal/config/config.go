package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultFeedURL is the Binance BTCUSDT ticker stream the ingestor follows
// unless FEED_URL overrides it.
const DefaultFeedURL = "wss://stream.binance.com:9443/ws/btcusdt@ticker"

// Config holds all runtime configuration for the trading service.
type Config struct {
	Port               int
	DBPath             string
	FeedURL            string
	JWTSecret          string
	FeedReconnectDelay time.Duration
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	reconnectDelay, err := getDuration("FEED_RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_RECONNECT_DELAY: %w", err)
	}
	if reconnectDelay <= 0 {
		return nil, fmt.Errorf("invalid FEED_RECONNECT_DELAY: must be positive")
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:               port,
		DBPath:             getStr("DB_PATH", "papertrade.db"),
		FeedURL:            getStr("FEED_URL", DefaultFeedURL),
		JWTSecret:          getStr("JWT_SECRET", "papertrade-secret-key"),
		FeedReconnectDelay: reconnectDelay,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
