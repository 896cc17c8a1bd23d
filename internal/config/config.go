// Package config loads runtime settings from the environment, optionally seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Environment string
	LogLevel    string
	HTTP        HTTPConfig
	Storage     StorageConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Telegram    TelegramConfig
}

type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StorageConfig struct {
	// Driver is "postgres" (gorm + redis change feed) or "memory".
	Driver      string
	PostgresDSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type TelegramConfig struct {
	BotToken     string
	OnDutyChatID int64
	Language     string
}

// Enabled reports whether the on-duty notifier should run.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.OnDutyChatID != 0
}

// Load reads a .env file if present and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is not an error; production sets real env vars.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from the current environment without touching .env files.
func FromEnv() (*Config, error) {
	readTimeout, err := getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := getEnvAsDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	jwtTTL, err := getEnvAsDuration("JWT_TTL", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	onDutyChat, err := getEnvAsInt64("TELEGRAM_ONDUTY_CHAT_ID", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:         getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		Storage: StorageConfig{
			Driver:      getEnv("STORAGE_DRIVER", DriverPostgres),
			PostgresDSN: getEnv("POSTGRES_DSN", "host=localhost user=user password=password dbname=carelinedb port=5432 sslmode=disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6380"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-in-prod"),
			Issuer: getEnv("JWT_ISSUER", "careline-service"),
			TTL:    jwtTTL,
		},
		Telegram: TelegramConfig{
			BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
			OnDutyChatID: onDutyChat,
			Language:     getEnv("NOTIFY_LANG", "en"),
		},
	}

	switch cfg.Storage.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.Storage.Driver)
	}
	if cfg.Environment == "production" && cfg.JWT.Secret == "change-in-prod" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvAsInt64(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
