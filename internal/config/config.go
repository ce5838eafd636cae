package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nfrund/carechat/internal/ratelimit"
	"github.com/nfrund/carechat/internal/typing"
)

// Config holds all configuration for the channel engine.
type Config struct {
	// Provider backend.
	ProviderURL string        `validate:"required,url"`
	StreamURL   string        `validate:"omitempty,url"`
	HTTPTimeout time.Duration `validate:"gt=0"`

	// Local participant.
	ParticipantID string `validate:"required"`
	Role          string `validate:"required,oneof=staff patient"`
	Locale        string

	// Flood control policy.
	FloodWindow    time.Duration `validate:"gt=0"`
	FloodThreshold int           `validate:"gt=0"`
	FloodCooldown  time.Duration `validate:"gt=0"`

	// Typing indicators.
	TypingTTL          time.Duration `validate:"gt=0"`
	TypingSendInterval time.Duration `validate:"gt=0"`

	MetricsAddr string

	// Provider simulator.
	SimAddr              string `validate:"required"`
	SimDuplicateDelivery bool
}

var validate = validator.New()

// Load reads configuration from a .env file, if present, and the environment.
// Unset values take their defaults; Load does not validate.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	return &Config{
		ProviderURL: getString("CARECHAT_PROVIDER_URL", "http://localhost:8090"),
		StreamURL:   os.Getenv("CARECHAT_STREAM_URL"),
		HTTPTimeout: getDuration("CARECHAT_HTTP_TIMEOUT", 10*time.Second),

		ParticipantID: os.Getenv("CARECHAT_PARTICIPANT_ID"),
		Role:          getString("CARECHAT_ROLE", "patient"),
		Locale:        getString("CARECHAT_LOCALE", "ko-KR"),

		FloodWindow:    getDuration("CARECHAT_FLOOD_WINDOW", ratelimit.DefaultWindow),
		FloodThreshold: getInt("CARECHAT_FLOOD_THRESHOLD", ratelimit.DefaultThreshold),
		FloodCooldown:  getDuration("CARECHAT_FLOOD_COOLDOWN", ratelimit.DefaultCooldown),

		TypingTTL:          getDuration("CARECHAT_TYPING_TTL", typing.DefaultTTL),
		TypingSendInterval: getDuration("CARECHAT_TYPING_SEND_INTERVAL", 2*time.Second),

		MetricsAddr: os.Getenv("CARECHAT_METRICS_ADDR"),
		SimAddr:     getString("CARECHAT_SIM_ADDR", ":8090"),

		SimDuplicateDelivery: getBool("CARECHAT_SIM_DUPLICATE_DELIVERY", false),
	}
}

// New loads and validates the configuration.
func New() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring invalid boolean setting", "key", key, "value", v)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring invalid duration setting", "key", key, "value", v)
		return fallback
	}
	return d
}
