// Package config loads Alpha Royale's runtime configuration from the
// environment, following the teacher's env-first convention (getEnv
// helpers plus an optional .env file via godotenv).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	Database DatabaseConfig

	// Redis (scheduler singleton lock, spec §4.6)
	Redis RedisConfig

	// JWT (operator control-surface bearer check, spec §9 "Out of scope" collaborators)
	JWT JWTConfig

	// Game defaults (spec §3 Game)
	Game GameConfig

	// Price feed vendor (spec §4.1)
	PriceFeed PriceFeedConfig

	// Scheduler timing (spec §4.6)
	Scheduler SchedulerConfig

	// CORS for the operator control surface
	CORS CORSConfig
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

func (r RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

type JWTConfig struct {
	Secret string
	Expiry string
}

// GameConfig carries the defaults a newly created Game is seeded with
// when the caller omits them (spec §3).
type GameConfig struct {
	DefaultBalance         float64
	DefaultDurationMinutes int
	MinDurationMinutes     int
	MaxDurationMinutes     int
}

// PriceFeedConfig configures the vendor HTTP client and the canonical ->
// vendor symbol mapping (spec §4.1, §9 "Symbol mapping").
type PriceFeedConfig struct {
	BaseURL       string
	Credential    string
	Symbols       []string
	SymbolMapping map[string]string
}

// SchedulerConfig configures the Driver invocation cadence (spec §4.6).
type SchedulerConfig struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load a .env file; ignore error if not found.
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "7999"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "alpharoyale"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnv("JWT_EXPIRY", "24h"),
		},

		Game: GameConfig{
			DefaultBalance:         getEnvAsFloat("GAME_DEFAULT_BALANCE", 10000.0),
			DefaultDurationMinutes: getEnvAsInt("GAME_DEFAULT_DURATION_MINUTES", 60),
			MinDurationMinutes:     getEnvAsInt("GAME_MIN_DURATION_MINUTES", 1),
			MaxDurationMinutes:     getEnvAsInt("GAME_MAX_DURATION_MINUTES", 1440),
		},

		PriceFeed: PriceFeedConfig{
			BaseURL:       getEnv("PRICE_FEED_BASE_URL", "https://price-feed.example.com"),
			Credential:    getEnv("PRICE_FEED_CREDENTIAL", ""),
			Symbols:       getEnvAsSlice("PRICE_FEED_SYMBOLS", []string{"BTC", "ETH"}, ","),
			SymbolMapping: getEnvAsMap("PRICE_FEED_SYMBOL_MAPPING", map[string]string{"BTC": "BTCUSDT", "ETH": "ETHUSDT"}),
		},

		Scheduler: SchedulerConfig{
			TickInterval:      getEnvAsDuration("SCHEDULER_TICK_INTERVAL", 10*time.Second),
			HeartbeatInterval: getEnvAsDuration("SCHEDULER_HEARTBEAT_INTERVAL", time.Minute),
		},

		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}, ","),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.PriceFeed.Credential == "" {
			return fmt.Errorf("PRICE_FEED_CREDENTIAL is required in production")
		}
	}
	if c.Game.MinDurationMinutes < 1 || c.Game.MaxDurationMinutes > 1440 || c.Game.MinDurationMinutes > c.Game.MaxDurationMinutes {
		return fmt.Errorf("game duration bounds must satisfy 1 <= min <= max <= 1440")
	}
	return nil
}

// Helper functions

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	return strings.Split(valueStr, sep)
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultVal
}

// getEnvAsMap parses "BTC=BTCUSDT,ETH=ETHUSDT" into a canonical->vendor map.
func getEnvAsMap(key string, defaultVal map[string]string) map[string]string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(valueStr, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}
