package parley

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config controls how the SDK talks to the chat backend.
type Config struct {
	APIURL string // HTTP API base, e.g. http://127.0.0.1:8020
	WSURL  string // realtime base; /ws is appended

	// HTTP
	RequestTimeout time.Duration

	// Realtime
	HandshakeTimeout     time.Duration
	ReadTimeout          time.Duration // 0 keeps idle rooms open; liveness comes from pings
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration

	// Chat
	TypingTTL  time.Duration
	TypingRate float64 // typing notifications per second; 0 sends one per input change

	// StorePath is the sqlite file for persisted tokens and theme.
	// Empty keeps them in memory.
	StorePath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:               "http://127.0.0.1:8020",
		WSURL:                "ws://127.0.0.1:8020",
		RequestTimeout:       30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         20 * time.Second,
		PingTimeout:          10 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectDelay:    30 * time.Second,
		TypingTTL:            3 * time.Second,
	}
}

// LoadConfig starts from DefaultConfig and applies environment overrides.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.APIURL = getEnv("API_URL", cfg.APIURL)
	cfg.WSURL = getEnv("WS_URL", cfg.WSURL)
	cfg.RequestTimeout = getEnvDuration("PARLEY_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PingInterval = getEnvDuration("PARLEY_PING_INTERVAL", cfg.PingInterval)
	cfg.PingTimeout = getEnvDuration("PARLEY_PING_TIMEOUT", cfg.PingTimeout)
	cfg.MaxReconnectAttempts = getEnvInt("PARLEY_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	cfg.MaxReconnectDelay = getEnvDuration("PARLEY_MAX_RECONNECT_DELAY", cfg.MaxReconnectDelay)
	cfg.TypingRate = getEnvFloat("PARLEY_TYPING_RATE", cfg.TypingRate)
	cfg.StorePath = getEnv("PARLEY_STORE_PATH", cfg.StorePath)
	return cfg
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return NewError(ErrorInvalidConfig, "api url is required")
	}
	if c.WSURL == "" {
		return NewError(ErrorInvalidConfig, "ws url is required")
	}
	if c.MaxReconnectAttempts <= 0 {
		return NewError(ErrorInvalidConfig, "max reconnect attempts must be positive")
	}
	if c.ReconnectBaseDelay <= 0 || c.MaxReconnectDelay < c.ReconnectBaseDelay {
		return WrapError(ErrorInvalidConfig, "bad reconnect delays", errors.New("need 0 < base <= max"))
	}
	if c.TypingTTL <= 0 {
		return NewError(ErrorInvalidConfig, "typing ttl must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
