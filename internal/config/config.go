package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	HTTPPort int
	DBPath   string
	NATSURL  string
	JWKSURL  string

	// Shared secret for the cron trigger endpoints.
	CronSecret string

	// Key material for sealing stored OAuth tokens (base64, 32 bytes decoded).
	TokenKey string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// How close to expiry a token must be before the batch refreshes it.
	RefreshBuffer time.Duration

	// Pause between mailboxes in a batch run, for provider rate-limit safety.
	MailboxDelay time.Duration

	// Worker limit for the batch runner. 1 keeps the sequential contract.
	SyncConcurrency int

	// Per-invocation cap on messages pulled for one mailbox.
	MaxMessagesPerSync int
}

func Load() Config {
	return Config{
		HTTPPort:              getEnvInt("HTTP_PORT", 8080),
		DBPath:                getEnvString("DB_PATH", "data/mailsync.db"),
		NATSURL:               getEnvString("NATS_URL", "nats://127.0.0.1:4222"),
		JWKSURL:               getEnvString("JWKS_URL", ""),
		CronSecret:            getEnvString("CRON_SECRET", ""),
		TokenKey:              getEnvString("TOKEN_KEY", ""),
		GoogleClientID:        getEnvString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnvString("GOOGLE_CLIENT_SECRET", ""),
		MicrosoftClientID:     getEnvString("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnvString("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftTenant:       getEnvString("MICROSOFT_TENANT", "common"),
		RefreshBuffer:         getEnvDuration("REFRESH_BUFFER", 5*time.Minute),
		MailboxDelay:          getEnvDuration("MAILBOX_DELAY", 500*time.Millisecond),
		SyncConcurrency:       getEnvInt("SYNC_CONCURRENCY", 1),
		MaxMessagesPerSync:    getEnvInt("MAX_MESSAGES_PER_SYNC", 500),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
