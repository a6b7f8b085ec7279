// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	LogLevel       string
	MetricsEnabled bool
	Auth           AuthConfig
	Engine         EngineConfig
	Limits         LimitsConfig
}

// AuthConfig controls ID token verification and the handshake.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	Timeout   time.Duration
}

// EngineConfig points at the speech recognition engine.
type EngineConfig struct {
	// Addr is the gRPC target. Empty disables recognition.
	Addr             string
	Language         string
	SampleRate       int
	ConnectTimeout   time.Duration
	StartTimeout     time.Duration
	PhoneticMatching bool
}

// LimitsConfig holds rate limits, attempt caps and session lifetimes.
type LimitsConfig struct {
	MessageLimit          int
	Window                time.Duration
	MaxAudioKB            float64
	MaxAttemptsPerDay     int
	MaxAttemptsPerSession int
	ResetHour             int
	MinAttemptDuration    time.Duration
	SessionIdleTTL        time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		DBPath:   "./data/speakeasy.db",
		LogLevel: "info",
		Auth: AuthConfig{
			Timeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Language:       "en-US",
			SampleRate:     16000,
			ConnectTimeout: 10 * time.Second,
			StartTimeout:   10 * time.Second,
		},
		Limits: LimitsConfig{
			MessageLimit:          50,
			Window:                5 * time.Second,
			MaxAudioKB:            500,
			MaxAttemptsPerDay:     2,
			MaxAttemptsPerSession: 5,
			ResetHour:             0,
			MinAttemptDuration:    5 * time.Second,
			SessionIdleTTL:        30 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file named by CONFIG_FILE,
// then from environment variables. Environment values win.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file %q: %w", path, err)
		}
		err = cfg.ApplyYAML(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

type fileConfig struct {
	Engine struct {
		Addr             *string        `yaml:"addr"`
		Language         *string        `yaml:"language"`
		SampleRate       *int           `yaml:"sample_rate"`
		ConnectTimeout   *time.Duration `yaml:"connect_timeout"`
		StartTimeout     *time.Duration `yaml:"start_timeout"`
		PhoneticMatching *bool          `yaml:"phonetic_matching"`
	} `yaml:"engine"`
	Limits struct {
		MessageLimit          *int           `yaml:"message_limit"`
		Window                *time.Duration `yaml:"window"`
		MaxAudioKB            *float64       `yaml:"max_audio_kb"`
		MaxAttemptsPerDay     *int           `yaml:"max_attempts_per_day"`
		MaxAttemptsPerSession *int           `yaml:"max_attempts_per_session"`
		ResetHour             *int           `yaml:"reset_hour"`
		MinAttemptDuration    *time.Duration `yaml:"min_attempt_duration"`
		SessionIdleTTL        *time.Duration `yaml:"session_idle_ttl"`
	} `yaml:"limits"`
}

// ApplyYAML overlays the engine and limits sections from r.
// Unknown keys are rejected.
func (c *Config) ApplyYAML(r io.Reader) error {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}

	set(&c.Engine.Addr, fc.Engine.Addr)
	set(&c.Engine.Language, fc.Engine.Language)
	set(&c.Engine.SampleRate, fc.Engine.SampleRate)
	set(&c.Engine.ConnectTimeout, fc.Engine.ConnectTimeout)
	set(&c.Engine.StartTimeout, fc.Engine.StartTimeout)
	set(&c.Engine.PhoneticMatching, fc.Engine.PhoneticMatching)

	set(&c.Limits.MessageLimit, fc.Limits.MessageLimit)
	set(&c.Limits.Window, fc.Limits.Window)
	set(&c.Limits.MaxAudioKB, fc.Limits.MaxAudioKB)
	set(&c.Limits.MaxAttemptsPerDay, fc.Limits.MaxAttemptsPerDay)
	set(&c.Limits.MaxAttemptsPerSession, fc.Limits.MaxAttemptsPerSession)
	set(&c.Limits.ResetHour, fc.Limits.ResetHour)
	set(&c.Limits.MinAttemptDuration, fc.Limits.MinAttemptDuration)
	set(&c.Limits.SessionIdleTTL, fc.Limits.SessionIdleTTL)
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)

	c.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("AUTH_JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("AUTH_JWT_AUDIENCE", c.Auth.Audience)
	c.Auth.Timeout = getEnvDuration("AUTH_TIMEOUT", c.Auth.Timeout)

	c.Engine.Addr = getEnv("ENGINE_ADDR", c.Engine.Addr)
	c.Engine.Language = getEnv("ENGINE_LANGUAGE", c.Engine.Language)
	c.Engine.SampleRate = getEnvInt("ENGINE_SAMPLE_RATE", c.Engine.SampleRate)
	c.Engine.ConnectTimeout = getEnvDuration("ENGINE_CONNECT_TIMEOUT", c.Engine.ConnectTimeout)
	c.Engine.StartTimeout = getEnvDuration("ENGINE_START_TIMEOUT", c.Engine.StartTimeout)
	c.Engine.PhoneticMatching = getEnvBool("PHONETIC_MATCHING", c.Engine.PhoneticMatching)

	c.Limits.MessageLimit = getEnvInt("RATE_MESSAGE_LIMIT", c.Limits.MessageLimit)
	c.Limits.Window = getEnvDuration("RATE_WINDOW", c.Limits.Window)
	c.Limits.MaxAudioKB = float64(getEnvInt("RATE_MAX_AUDIO_KB", int(c.Limits.MaxAudioKB)))
	c.Limits.MaxAttemptsPerDay = getEnvInt("ATTEMPTS_MAX_PER_DAY", c.Limits.MaxAttemptsPerDay)
	c.Limits.MaxAttemptsPerSession = getEnvInt("ATTEMPTS_MAX_PER_SESSION", c.Limits.MaxAttemptsPerSession)
	c.Limits.ResetHour = getEnvInt("ATTEMPTS_RESET_HOUR", c.Limits.ResetHour)
	c.Limits.MinAttemptDuration = getEnvDuration("MIN_ATTEMPT_DURATION", c.Limits.MinAttemptDuration)
	c.Limits.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", c.Limits.SessionIdleTTL)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.Auth.Timeout <= 0 {
		errs = append(errs, errors.New("AUTH_TIMEOUT must be > 0"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.SampleRate <= 0 {
		errs = append(errs, errors.New("ENGINE_SAMPLE_RATE must be > 0"))
	}
	if c.Limits.MessageLimit <= 0 {
		errs = append(errs, errors.New("RATE_MESSAGE_LIMIT must be > 0"))
	}
	if c.Limits.Window <= 0 {
		errs = append(errs, errors.New("RATE_WINDOW must be > 0"))
	}
	if c.Limits.MaxAudioKB <= 0 {
		errs = append(errs, errors.New("RATE_MAX_AUDIO_KB must be > 0"))
	}
	if c.Limits.MaxAttemptsPerDay <= 0 || c.Limits.MaxAttemptsPerSession <= 0 {
		errs = append(errs, errors.New("attempt limits must be > 0"))
	}
	if c.Limits.ResetHour < 0 || c.Limits.ResetHour > 23 {
		errs = append(errs, fmt.Errorf("ATTEMPTS_RESET_HOUR %d out of range 0-23", c.Limits.ResetHour))
	}
	if c.Limits.MinAttemptDuration < 0 {
		errs = append(errs, errors.New("MIN_ATTEMPT_DURATION cannot be negative"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", s)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
