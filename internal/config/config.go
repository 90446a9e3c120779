package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	RedisURL     string
	CORSOrigin   string
	SyncEndpoint string
	TransportURL string
	// Mutation queue
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	SyncDebounce   time.Duration
	// Collaboration session
	ReconnectDelay time.Duration
	LockTTL        time.Duration
	CursorDebounce time.Duration
	EventLogSize   int
}

func Load() Config {
	return Config{
		Addr:         getenv("SYNC_ADDR", ":8790"),
		RedisURL:     getenv("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:   getenv("CORS_ORIGIN", "*"),
		SyncEndpoint: getenv("FORESIGHT_SYNC_ENDPOINT", "http://localhost:8790/sync"),
		TransportURL: getenv("FORESIGHT_TRANSPORT_URL", "ws://localhost:8790"),
		// Queue: small batches, capped exponential backoff per item
		BatchSize:      getenvInt("FORESIGHT_SYNC_BATCH_SIZE", 10),
		MaxRetries:     getenvInt("FORESIGHT_SYNC_MAX_RETRIES", 3),
		RetryBaseDelay: time.Duration(getenvInt("FORESIGHT_SYNC_RETRY_BASE_MS", 1000)) * time.Millisecond,
		SyncDebounce:   time.Duration(getenvInt("FORESIGHT_SYNC_DEBOUNCE_MS", 1000)) * time.Millisecond,
		// Collaboration: fixed-interval reconnect, advisory lock TTL
		ReconnectDelay: time.Duration(getenvInt("FORESIGHT_RECONNECT_DELAY_MS", 3000)) * time.Millisecond,
		LockTTL:        time.Duration(getenvInt("FORESIGHT_LOCK_TTL_MS", 30000)) * time.Millisecond,
		CursorDebounce: time.Duration(getenvInt("FORESIGHT_CURSOR_DEBOUNCE_MS", 100)) * time.Millisecond,
		EventLogSize:   getenvInt("FORESIGHT_EVENT_LOG_SIZE", 100),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
