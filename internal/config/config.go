package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds everything the app reads from the environment. The zero
// environment is a working local setup: a SQLite file in the user data
// directory and no Postgres.
type Config struct {
	DataDir       string
	DBURL         string
	FlushInterval time.Duration
	SessionTTL    time.Duration
	PoolSize      int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		DataDir:       os.Getenv("TALLYBOOK_DATA_DIR"),
		DBURL:         os.Getenv("TALLYBOOK_DB_URL"),
		FlushInterval: 2 * time.Second,
		SessionTTL:    72 * time.Hour,
		PoolSize:      4,
	}

	if cfg.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(base, "tallybook")
	}

	if v := os.Getenv("TALLYBOOK_FLUSH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.New("flush interval must be an integer millisecond count")
		}
		cfg.FlushInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("TALLYBOOK_SESSION_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.New("session ttl must be an integer hour count")
		}
		cfg.SessionTTL = time.Duration(hours) * time.Hour
	}

	if v := os.Getenv("TALLYBOOK_POOL_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.New("pool size must be an integer")
		}
		cfg.PoolSize = size
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataDir == "" && c.DBURL == "" {
		return errors.New("data dir or db url is required")
	}
	if c.FlushInterval <= 0 {
		return errors.New("flush interval must be positive")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.PoolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	return nil
}

// SQLitePath is where the local database lives when no Postgres URL is set.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "tallybook.db")
}

// UsesPostgres reports whether a shared Postgres backend is configured.
func (c Config) UsesPostgres() bool {
	return c.DBURL != ""
}
