// Package config loads bridge configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	DiscordToken string

	DataDir         string
	LeafURL         string
	LeafServerDID   string
	ATProtoDID      string
	ATProtoPassword string
	OTLPEndpoint    string
	HealthPort      string
	LogLevel        string

	// Tunable performance constants (all have sensible defaults; rarely need changing).
	BackfillConcurrency   int           // BACKFILL_CONCURRENCY — max concurrent per-channel backfills (default 5)
	BackfillPageSize      int           // BACKFILL_PAGE_SIZE — messages fetched per backfill page (default 100)
	EventBatchSize        int           // EVENT_BATCH_SIZE — parsed (default 50) but not applied; the backfill batcher's threshold is fixed at 50
	WebhookMaxRetries     int           // WEBHOOK_MAX_RETRIES — bounded retries on 429 (default 5)
	ProfileResyncInterval time.Duration // PROFILE_RESYNC_INTERVAL — AT-proto profile refresh cadence (default 6h)
	ShutdownGrace         time.Duration // SHUTDOWN_GRACE — time allowed for in-flight batches to drain (default 10s)
}

// Load reads configuration from environment variables.
// Exits the process if a required variable (DISCORD_TOKEN, LEAF_URL) is missing.
func Load() *Config {
	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "ERROR: DISCORD_TOKEN is not set!")
		os.Exit(1)
	}

	leafURL := os.Getenv("LEAF_URL")
	if leafURL == "" {
		fmt.Fprintln(os.Stderr, "ERROR: LEAF_URL is not set!")
		os.Exit(1)
	}

	return &Config{
		DiscordToken:    token,
		DataDir:         getEnv("DATA_DIR", "./data"),
		LeafURL:         leafURL,
		LeafServerDID:   os.Getenv("LEAF_SERVER_DID"),
		ATProtoDID:      os.Getenv("ATPROTO_BRIDGE_DID"),
		ATProtoPassword: os.Getenv("ATPROTO_BRIDGE_APP_PASSWORD"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HealthPort:      getEnv("HEALTH_PORT", "8090"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		BackfillConcurrency:   parseInt(os.Getenv("BACKFILL_CONCURRENCY"), 5),
		BackfillPageSize:      parseInt(os.Getenv("BACKFILL_PAGE_SIZE"), 100),
		EventBatchSize:        parseInt(os.Getenv("EVENT_BATCH_SIZE"), 50),
		WebhookMaxRetries:     parseInt(os.Getenv("WEBHOOK_MAX_RETRIES"), 5),
		ProfileResyncInterval: parseDuration(os.Getenv("PROFILE_RESYNC_INTERVAL"), 6*time.Hour),
		ShutdownGrace:         parseDuration(os.Getenv("SHUTDOWN_GRACE"), 10*time.Second),
	}
}

// ATProtoEnabled reports whether AT Protocol profile resolution is configured.
func (c *Config) ATProtoEnabled() bool {
	return c.ATProtoDID != "" && c.ATProtoPassword != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return i
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
