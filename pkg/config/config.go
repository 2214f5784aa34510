// Package config resolves the process configuration from environment
// variables, with built-in defaults that make a single-process deployment
// (memory bus, no Redis) work out of the box.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BusMode selects the event bus implementation.
type BusMode string

const (
	// BusModeNATS uses JetStream streams; required for multi-replica runs.
	BusModeNATS BusMode = "nats"
	// BusModeMemory keeps the full delivery contract in-process.
	BusModeMemory BusMode = "memory"
)

// Store modes.
const (
	// StoreModePostgres persists logs in PostgreSQL.
	StoreModePostgres = "postgres"
	// StoreModeMemory keeps logs in process memory; single-replica only.
	StoreModeMemory = "memory"
)

// Config is the resolved process configuration.
type Config struct {
	HTTPPort     string
	NotifierPort string
	StoreMode    string

	Bus       BusConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Retention RetentionConfig
	Audit     AuditConfig
	Notifier  NotifierConfig

	EnableRateLimit bool
}

// BusConfig selects and tunes the event bus.
type BusConfig struct {
	Mode       BusMode
	NATSURL    string
	MaxDeliver int
	AckWait    time.Duration
}

// RedisConfig tunes the worker idempotency cache. An empty Addr falls back
// to the in-process deduper.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DedupWindow time.Duration
}

// AuthConfig holds token signing material and the static credential set.
// Users maps username to password; populated from AUTH_USERS as
// "alice:s3cret,bob:hunter2".
type AuthConfig struct {
	TokenSecret string
	TokenExpiry time.Duration
	Users       map[string]string
}

// AuditConfig tunes the Merkle accumulation.
type AuditConfig struct {
	WindowSize       time.Duration
	RolloverInterval time.Duration
}

// NotifierConfig tunes WebSocket fan-out.
type NotifierConfig struct {
	FanoutLimit       int
	EnableCompression bool
	WriteTimeout      time.Duration
}

// Load resolves the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		NotifierPort: getEnv("NOTIFIER_PORT", "8081"),
		StoreMode:    getEnv("STORE_MODE", StoreModePostgres),
		Bus: BusConfig{
			Mode:       BusMode(getEnv("BUS_MODE", string(BusModeNATS))),
			NATSURL:    getEnv("NATS_URL", "nats://localhost:4222"),
			MaxDeliver: getEnvInt("MAX_DELIVER", 3),
			AckWait:    getEnvDuration("BUS_ACK_WAIT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDR"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          getEnvInt("REDIS_DB", 0),
			DedupWindow: getEnvDuration("DEDUP_WINDOW", 10*time.Minute),
		},
		Auth: AuthConfig{
			TokenSecret: os.Getenv("TOKEN_SECRET"),
			TokenExpiry: getEnvDuration("TOKEN_EXPIRY", 24*time.Hour),
			Users:       parseUsers(os.Getenv("AUTH_USERS")),
		},
		Retention: LoadRetentionFromEnv(),
		Audit: AuditConfig{
			WindowSize:       getEnvDuration("MERKLE_WINDOW", time.Hour),
			RolloverInterval: getEnvDuration("MERKLE_ROLLOVER_INTERVAL", time.Minute),
		},
		Notifier: NotifierConfig{
			FanoutLimit:       getEnvInt("ROOM_FANOUT_LIMIT", 1000),
			EnableCompression: getEnvBool("ENABLE_COMPRESSION", false),
			WriteTimeout:      getEnvDuration("NOTIFIER_WRITE_TIMEOUT", 5*time.Second),
		},
		EnableRateLimit: getEnvBool("ENABLE_RATE_LIMIT", false),
	}

	if cfg.Bus.Mode != BusModeNATS && cfg.Bus.Mode != BusModeMemory {
		return nil, fmt.Errorf("config: invalid BUS_MODE %q (want %q or %q)",
			cfg.Bus.Mode, BusModeNATS, BusModeMemory)
	}
	if cfg.StoreMode != StoreModePostgres && cfg.StoreMode != StoreModeMemory {
		return nil, fmt.Errorf("config: invalid STORE_MODE %q (want %q or %q)",
			cfg.StoreMode, StoreModePostgres, StoreModeMemory)
	}
	if cfg.Bus.MaxDeliver < 1 {
		return nil, fmt.Errorf("config: MAX_DELIVER must be at least 1, got %d", cfg.Bus.MaxDeliver)
	}
	if cfg.Auth.TokenSecret == "" {
		return nil, fmt.Errorf("config: TOKEN_SECRET is required")
	}
	if err := cfg.Retention.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseUsers splits "user:pass,user:pass" into a credential map. Malformed
// segments are skipped.
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" || pass == "" {
			continue
		}
		users[name] = pass
	}
	return users
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
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
