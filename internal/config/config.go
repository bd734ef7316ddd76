package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port                 string
	AuthToken            string
	DBURL                string
	LogLevel             string
	LogFormat            string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	LockTTLSecs          int
	LockPollMillis       int
	ProfileCreateMissing bool
	ReadTimeoutSecs      int
	WriteTimeoutSecs     int
	IdleTimeoutSecs      int
	DBMaxConns           int
	DBMinConns           int
	DBMaxIdleSecs        int
	DBMaxLifeSecs        int
	DBConnTimeoutSecs    int
	DBStatementCache     int
}

// Load reads configuration from environment variables, applying defaults and validation.
// A .env file in the working directory (or ENV_FILE) is applied first without
// overriding variables that are already set.
func Load() (Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                 getEnv("PORT", "8080"),
		AuthToken:            os.Getenv("AUTH_TOKEN"),
		DBURL:                os.Getenv("DB_URL"),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", "json")),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		LockTTLSecs:          getEnvInt("SYNC_LOCK_TTL_SECS", 10),
		LockPollMillis:       getEnvInt("SYNC_LOCK_POLL_MILLIS", 50),
		ProfileCreateMissing: getEnvBool("PROFILE_SYNC_CREATE_MISSING", false),
		ReadTimeoutSecs:      getEnvInt("SERVER_READ_TIMEOUT", 15),
		WriteTimeoutSecs:     getEnvInt("SERVER_WRITE_TIMEOUT", 15),
		IdleTimeoutSecs:      getEnvInt("SERVER_IDLE_TIMEOUT", 60),
		DBMaxConns:           getEnvInt("DB_MAX_CONNS", 20),
		DBMinConns:           getEnvInt("DB_MIN_CONNS", 2),
		DBMaxIdleSecs:        getEnvInt("DB_MAX_CONN_IDLE_SECS", 300),
		DBMaxLifeSecs:        getEnvInt("DB_MAX_CONN_LIFETIME_SECS", 3600),
		DBConnTimeoutSecs:    getEnvInt("DB_CONN_TIMEOUT_SECS", 10),
		DBStatementCache:     getEnvInt("DB_STATEMENT_CACHE_CAPACITY", 256),
	}

	if cfg.AuthToken == "" {
		return Config{}, fmt.Errorf("AUTH_TOKEN is required")
	}
	if cfg.DBURL == "" {
		return Config{}, fmt.Errorf("DB_URL is required")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("REDIS_DB must be non-negative")
	}
	if cfg.LockTTLSecs <= 0 {
		return Config{}, fmt.Errorf("SYNC_LOCK_TTL_SECS must be positive")
	}
	if cfg.LockPollMillis <= 0 {
		return Config{}, fmt.Errorf("SYNC_LOCK_POLL_MILLIS must be positive")
	}
	if cfg.DBMaxConns <= 0 {
		return Config{}, fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return Config{}, fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return Config{}, fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return Config{}, fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}

	return cfg, nil
}

// RedisEnabled reports whether cross-process sync locking is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
