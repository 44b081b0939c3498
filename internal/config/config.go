package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

// Push drivers.
const (
	PushLog   = "log"
	PushHTTP  = "http"
	PushRedis = "redis"
)

// Config holds all configuration values for the application.
// Values come from an optional YAML file (CONFIG_FILE), then from the
// environment (a .env file is loaded first when present).
type Config struct {
	// ServerPort is the port the HTTP server listens on
	ServerPort string `yaml:"port"`

	// CORSOrigins are the origins allowed to call the API
	CORSOrigins []string `yaml:"cors_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Limits   LimitsConfig   `yaml:"limits"`

	// CodecKeys is a comma separated keyring "id:hexkey,..."; the first key encrypts
	CodecKeys string `yaml:"codec_keys"`

	EditWindow    Duration `yaml:"edit_window"`
	DeleteWindow  Duration `yaml:"delete_window"`
	TypingTimeout Duration `yaml:"typing_timeout"`
	PresenceGrace Duration `yaml:"presence_grace"`
	MaxTextLength int      `yaml:"max_text_length"`

	// MaxFrameSize caps inbound websocket frames, e.g. "64KB"
	MaxFrameSize SizeBytes `yaml:"max_frame_size"`

	// CleanupCron schedules the janitor
	CleanupCron string `yaml:"cleanup_cron"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn"`
	// Path is the pebble directory; empty keeps pebble in memory
	Path string `yaml:"path"`
}

// RedisConfig enables redis backed unread counters and push queueing when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig points at the security, moderation and push services.
// An empty URL falls back to the allow-all / approve-all / log-only default.
type UpstreamConfig struct {
	SecurityURL   string   `yaml:"security_url"`
	ModerationURL string   `yaml:"moderation_url"`
	PushURL       string   `yaml:"push_url"`
	PushDriver    string   `yaml:"push_driver"`
	APIKey        string   `yaml:"api_key"`
	Timeout       Duration `yaml:"timeout"`
}

// LimitsConfig holds the per-minute budgets of the rate limiter and the
// per-connection frame throttle.
type LimitsConfig struct {
	MessagesPerMinute  int     `yaml:"messages_per_minute"`
	TypingPerMinute    int     `yaml:"typing_per_minute"`
	ReactionsPerMinute int     `yaml:"reactions_per_minute"`
	FramesPerSecond    float64 `yaml:"frames_per_second"`
	FrameBurst         int     `yaml:"frame_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerPort:    "8080",
		CORSOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		LogLevel:      "info",
		LogFormat:     "text",
		Store:         StoreConfig{Driver: StoreMemory},
		Upstream:      UpstreamConfig{PushDriver: PushLog, Timeout: Duration(2 * time.Second)},
		Limits:        LimitsConfig{MessagesPerMinute: 20, TypingPerMinute: 30, ReactionsPerMinute: 60, FramesPerSecond: 20, FrameBurst: 40},
		EditWindow:    Duration(15 * time.Minute),
		DeleteWindow:  Duration(time.Hour),
		TypingTimeout: Duration(3 * time.Second),
		PresenceGrace: Duration(30 * time.Second),
		MaxTextLength: 2000,
		MaxFrameSize:  64 * 1024,
		CleanupCron:   "*/1 * * * *",
	}
}

// Load reads configuration and validates it.
// It will load from a .env file if present, then read from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running in production with real environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using environment variables")
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServerPort = getEnv("PORT", c.ServerPort)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("DATABASE_URL", c.Store.DSN)
	c.Store.Path = getEnv("PEBBLE_PATH", c.Store.Path)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Upstream.SecurityURL = getEnv("SECURITY_URL", c.Upstream.SecurityURL)
	c.Upstream.ModerationURL = getEnv("MODERATION_URL", c.Upstream.ModerationURL)
	c.Upstream.PushURL = getEnv("PUSH_URL", c.Upstream.PushURL)
	c.Upstream.PushDriver = getEnv("PUSH_DRIVER", c.Upstream.PushDriver)
	c.Upstream.APIKey = getEnv("UPSTREAM_API_KEY", c.Upstream.APIKey)

	c.CodecKeys = getEnv("CODEC_KEYS", c.CodecKeys)
	c.CleanupCron = getEnv("CLEANUP_CRON", c.CleanupCron)

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envInt("REDIS_DB", &c.Redis.DB))
	set(envInt("MAX_TEXT_LENGTH", &c.MaxTextLength))
	set(envInt("RATE_MESSAGES_PER_MINUTE", &c.Limits.MessagesPerMinute))
	set(envInt("RATE_TYPING_PER_MINUTE", &c.Limits.TypingPerMinute))
	set(envInt("RATE_REACTIONS_PER_MINUTE", &c.Limits.ReactionsPerMinute))
	set(envInt("WS_FRAME_BURST", &c.Limits.FrameBurst))
	set(envFloat("WS_FRAMES_PER_SECOND", &c.Limits.FramesPerSecond))
	set(envDuration("EDIT_WINDOW", &c.EditWindow))
	set(envDuration("DELETE_WINDOW", &c.DeleteWindow))
	set(envDuration("TYPING_TIMEOUT", &c.TypingTimeout))
	set(envDuration("PRESENCE_GRACE", &c.PresenceGrace))
	set(envDuration("UPSTREAM_TIMEOUT", &c.Upstream.Timeout))
	set(envSize("WS_MAX_FRAME_SIZE", &c.MaxFrameSize))
	return err
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StorePebble:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires DATABASE_URL", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Upstream.PushDriver {
	case PushLog:
	case PushHTTP:
		if c.Upstream.PushURL == "" {
			return fmt.Errorf("push driver %q requires PUSH_URL", c.Upstream.PushDriver)
		}
	case PushRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("push driver %q requires REDIS_ADDR", c.Upstream.PushDriver)
		}
	default:
		return fmt.Errorf("unknown push driver %q", c.Upstream.PushDriver)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if !gronx.IsValid(c.CleanupCron) {
		return fmt.Errorf("invalid cleanup cron expression: %s", c.CleanupCron)
	}

	for name, v := range map[string]int{
		"messages_per_minute":  c.Limits.MessagesPerMinute,
		"typing_per_minute":    c.Limits.TypingPerMinute,
		"reactions_per_minute": c.Limits.ReactionsPerMinute,
		"max_text_length":      c.MaxTextLength,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	for name, d := range map[string]Duration{
		"edit_window":      c.EditWindow,
		"delete_window":    c.DeleteWindow,
		"typing_timeout":   c.TypingTimeout,
		"upstream.timeout": c.Upstream.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.PresenceGrace < 0 {
		return fmt.Errorf("presence_grace must not be negative")
	}
	if c.MaxFrameSize < 1024 {
		return fmt.Errorf("max_frame_size must be at least 1KB, got %s", humanize.IBytes(uint64(c.MaxFrameSize)))
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envFloat(key string, dst *float64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envSize(key string, dst *SizeBytes) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	s, err := parseSize(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = s
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
