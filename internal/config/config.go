// Package config reads everything tunable from the environment. The snipe
// timing knobs live here on purpose: the right poll interval and lead are
// operational observations about the platform, not code.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/resy-sniper/internal/snipe"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string

	// optional integrations
	RedisURL    string
	AMQPURL     string
	ResultQueue string

	// Timezone is the platform-local zone used when parsing drop times.
	Timezone string

	CredEncKey     []byte // 32 bytes, AES-256-GCM
	HandleHashKey  []byte // securecookie HMAC key
	HandleBlockKey []byte // securecookie encryption key

	SchedulerTick time.Duration
	ClaimHorizon  time.Duration

	Snipe snipe.Tunables
}

// FromEnv loads and validates the full daemon configuration.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:      envString("HTTP_ADDR", ":8080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		AMQPURL:       strings.TrimSpace(os.Getenv("AMQP_URL")),
		ResultQueue:   envString("RESULT_QUEUE", "snipe.results"),
		Timezone:      envString("PLATFORM_TIMEZONE", "America/New_York"),
		SchedulerTick: envDuration("SCHED_TICK", 5*time.Second),
		ClaimHorizon:  envDuration("SCHED_CLAIM_HORIZON", time.Minute),
		Snipe:         TunablesFromEnv(),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid PLATFORM_TIMEZONE: %w", err)
	}

	var err error
	if cfg.CredEncKey, err = mustB64("CRED_ENC_KEY"); err != nil {
		return Config{}, err
	}
	if len(cfg.CredEncKey) != 32 {
		return Config{}, fmt.Errorf("CRED_ENC_KEY must decode to 32 bytes (got %d)", len(cfg.CredEncKey))
	}
	if cfg.HandleHashKey, err = mustB64("HANDLE_HASH_KEY"); err != nil {
		return Config{}, err
	}
	if cfg.HandleBlockKey, err = mustB64("HANDLE_BLOCK_KEY"); err != nil {
		return Config{}, err
	}

	if err := validateTunables(cfg.Snipe); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TunablesFromEnv reads the snipe timing knobs with defaults, used standalone
// by the one-shot CLI path where no database or keys are needed.
func TunablesFromEnv() snipe.Tunables {
	def := snipe.DefaultTunables()
	return snipe.Tunables{
		PollLead:            envDuration("SNIPE_POLL_LEAD", def.PollLead),
		PollInterval:        envDuration("SNIPE_POLL_INTERVAL", def.PollInterval),
		PollDeadline:        envDuration("SNIPE_POLL_DEADLINE", def.PollDeadline),
		BackoffBase:         envDuration("SNIPE_BACKOFF_BASE", def.BackoffBase),
		BackoffCap:          envDuration("SNIPE_BACKOFF_CAP", def.BackoffCap),
		MaxTransportRetries: envInt("SNIPE_MAX_TRANSPORT_RETRIES", def.MaxTransportRetries),
		MaxSoftRejects:      envInt("SNIPE_MAX_SOFT_REJECTS", def.MaxSoftRejects),
	}
}

func validateTunables(t snipe.Tunables) error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("SNIPE_POLL_INTERVAL must be positive")
	}
	if t.PollDeadline <= 0 {
		return fmt.Errorf("SNIPE_POLL_DEADLINE must be positive")
	}
	if t.PollLead < 0 {
		return fmt.Errorf("SNIPE_POLL_LEAD must be >= 0")
	}
	if t.BackoffBase <= 0 || t.BackoffCap < t.BackoffBase {
		return fmt.Errorf("SNIPE_BACKOFF_BASE/CAP are inconsistent")
	}
	if t.MaxTransportRetries < 1 || t.MaxSoftRejects < 0 {
		return fmt.Errorf("snipe retry ceilings are inconsistent")
	}
	return nil
}

func envString(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func mustB64(k string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil, fmt.Errorf("%s is required (base64)", k)
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
