// Package config handles Palaver configuration
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds Palaver configuration
type Config struct {
	// Context window settings
	MaxContextTokens int      `toml:"max_context_tokens"`
	MaxMessageBytes  ByteSize `toml:"max_message_bytes"`
	TokenCounter     string   `toml:"token_counter"` // "chars" or "words"
	SystemPrompt     string   `toml:"system_prompt"`

	// Turn settings
	RetryCount      int           `toml:"retry_count"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	MaxRetryBackoff time.Duration `toml:"max_retry_backoff"`
	TurnTimeout     time.Duration `toml:"turn_timeout"`

	// Idle eviction; zero IdleTTL disables it
	IdleTTL       time.Duration `toml:"idle_ttl"`
	EvictInterval time.Duration `toml:"evict_interval"`

	// Persistence; empty keeps conversations in memory only
	DatabasePath string `toml:"database_path"`

	// HTTP server settings
	ListenAddr string `toml:"listen_addr"`
	CORSOrigin string `toml:"cors_origin"`

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "text" or "json"

	Completion CompletionConfig `toml:"completion"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	// Backpressure bounds concurrent completion calls; zero max_concurrency disables it
	Backpressure BackpressureConfig `toml:"backpressure"`
	Webhooks     []WebhookConfig    `toml:"webhooks"`

	// File path this config was loaded from, if any
	configPath string
}

// CompletionConfig selects and configures the completion service
type CompletionConfig struct {
	Provider string `toml:"provider"` // "openai", "groq", "grok" or "echo"
	// BaseURL and Model override the provider preset when set
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	Timeout     time.Duration `toml:"timeout"`
}

// RateLimitConfig holds per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
}

// BackpressureConfig holds adaptive concurrency settings for completion calls
type BackpressureConfig struct {
	MaxConcurrency   int           `toml:"max_concurrency"`
	MinConcurrency   int           `toml:"min_concurrency"`
	RateLimitBackoff time.Duration `toml:"rate_limit_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff"`
	SlowThreshold    time.Duration `toml:"slow_threshold"`
}

// WebhookConfig registers an endpoint for lifecycle events
type WebhookConfig struct {
	ID      string            `toml:"id"`
	URL     string            `toml:"url"`
	Secret  string            `toml:"secret"`
	Events  []string          `toml:"events"` // empty subscribes to all events
	Headers map[string]string `toml:"headers"`
}

// ByteSize represents a size in bytes (supports KB and MB suffixes in TOML)
type ByteSize int64

// UnmarshalText parses byte sizes such as "32KB" or "1MB"
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(text)))
	if s == "" {
		*b = 0
		return nil
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	var size int64
	if _, err := fmt.Sscanf(s, "%d", &size); err != nil {
		return fmt.Errorf("invalid byte size format: %q", string(text))
	}

	*b = ByteSize(size * multiplier)
	return nil
}

// MarshalText writes the size with the largest exact suffix
func (b ByteSize) MarshalText() ([]byte, error) {
	switch {
	case b != 0 && b%(1024*1024) == 0:
		return []byte(fmt.Sprintf("%dMB", b/(1024*1024))), nil
	case b != 0 && b%1024 == 0:
		return []byte(fmt.Sprintf("%dKB", b/1024)), nil
	}
	return []byte(fmt.Sprintf("%d", b)), nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		MaxContextTokens: 4000,
		MaxMessageBytes:  32 * 1024,
		TokenCounter:     "chars",
		RetryCount:       2,
		RetryBackoff:     500 * time.Millisecond,
		MaxRetryBackoff:  10 * time.Second,
		TurnTimeout:      60 * time.Second,
		IdleTTL:          0,
		EvictInterval:    time.Minute,
		ListenAddr:       ":8080",
		CORSOrigin:       "http://localhost:3000",
		LogLevel:         "info",
		LogFormat:        "text",
		Completion: CompletionConfig{
			Provider:    "openai",
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
		},
		Backpressure: BackpressureConfig{
			MaxConcurrency:   8,
			MinConcurrency:   1,
			RateLimitBackoff: 5 * time.Second,
			MaxBackoff:       time.Minute,
			SlowThreshold:    20 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then PALAVER_* environment overrides, and
// validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.configPath = path
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PALAVER_MAX_CONTEXT_TOKENS"); v != "" {
		c.MaxContextTokens = parseIntOrDefault(v, c.MaxContextTokens)
	}
	if v := os.Getenv("PALAVER_MAX_MESSAGE_BYTES"); v != "" {
		var b ByteSize
		if err := b.UnmarshalText([]byte(v)); err == nil {
			c.MaxMessageBytes = b
		}
	}
	if v := os.Getenv("PALAVER_TOKEN_COUNTER"); v != "" {
		c.TokenCounter = v
	}
	if v := os.Getenv("PALAVER_SYSTEM_PROMPT"); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv("PALAVER_RETRY_COUNT"); v != "" {
		c.RetryCount = parseIntOrDefault(v, c.RetryCount)
	}
	if v := os.Getenv("PALAVER_RETRY_BACKOFF"); v != "" {
		c.RetryBackoff = parseDurationOrDefault(v, c.RetryBackoff)
	}
	if v := os.Getenv("PALAVER_MAX_RETRY_BACKOFF"); v != "" {
		c.MaxRetryBackoff = parseDurationOrDefault(v, c.MaxRetryBackoff)
	}
	if v := os.Getenv("PALAVER_TURN_TIMEOUT"); v != "" {
		c.TurnTimeout = parseDurationOrDefault(v, c.TurnTimeout)
	}
	if v := os.Getenv("PALAVER_IDLE_TTL"); v != "" {
		c.IdleTTL = parseDurationOrDefault(v, c.IdleTTL)
	}
	if v := os.Getenv("PALAVER_EVICT_INTERVAL"); v != "" {
		c.EvictInterval = parseDurationOrDefault(v, c.EvictInterval)
	}
	if v := os.Getenv("PALAVER_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PALAVER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PALAVER_CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("PALAVER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PALAVER_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("PALAVER_COMPLETION_PROVIDER"); v != "" {
		c.Completion.Provider = v
	}
	if v := os.Getenv("PALAVER_COMPLETION_BASE_URL"); v != "" {
		c.Completion.BaseURL = v
	}
	if v := os.Getenv("PALAVER_COMPLETION_MODEL"); v != "" {
		c.Completion.Model = v
	}
	if v := os.Getenv("PALAVER_COMPLETION_TIMEOUT"); v != "" {
		c.Completion.Timeout = parseDurationOrDefault(v, c.Completion.Timeout)
	}
	if v := os.Getenv("PALAVER_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PALAVER_RATE_LIMIT_RPM"); v != "" {
		c.RateLimit.RequestsPerMinute = parseIntOrDefault(v, c.RateLimit.RequestsPerMinute)
	}
	if v := os.Getenv("PALAVER_MAX_CONCURRENCY"); v != "" {
		c.Backpressure.MaxConcurrency = parseIntOrDefault(v, c.Backpressure.MaxConcurrency)
	}

	// Provider-specific key variables are read by the client presets.
	if v := os.Getenv("PALAVER_COMPLETION_API_KEY"); v != "" {
		c.Completion.APIKey = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive (got %d)", c.MaxContextTokens)
	}
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes cannot be negative")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative")
	}
	if c.RetryCount > 10 {
		return fmt.Errorf("retry_count cannot exceed 10")
	}
	if c.RetryBackoff < 0 || c.MaxRetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.MaxRetryBackoff > 0 && c.MaxRetryBackoff < c.RetryBackoff {
		return fmt.Errorf("max_retry_backoff (%v) is below retry_backoff (%v)", c.MaxRetryBackoff, c.RetryBackoff)
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("turn_timeout cannot be negative")
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl cannot be negative")
	}
	if c.IdleTTL > 0 && c.EvictInterval <= 0 {
		return fmt.Errorf("evict_interval must be positive when idle_ttl is set")
	}

	switch c.TokenCounter {
	case "chars", "words":
	default:
		return fmt.Errorf("invalid token_counter %q (must be chars or words)", c.TokenCounter)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q (must be text or json)", c.LogFormat)
	}

	switch c.Completion.Provider {
	case "echo", "openai", "groq", "grok":
	default:
		return fmt.Errorf("invalid completion.provider %q (must be openai, groq, grok or echo)", c.Completion.Provider)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}

	if b := c.Backpressure; b.MaxConcurrency < 0 || b.MinConcurrency < 0 {
		return fmt.Errorf("backpressure concurrency cannot be negative")
	} else if b.MaxConcurrency > 0 && b.MinConcurrency > b.MaxConcurrency {
		return fmt.Errorf("backpressure.min_concurrency (%d) exceeds max_concurrency (%d)", b.MinConcurrency, b.MaxConcurrency)
	}

	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks[%d].url must be an http or https URL (got %q)", i, w.URL)
		}
	}
	return nil
}

// Save writes the configuration as TOML to path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigPath returns the file the configuration was loaded from, if any
func (c *Config) ConfigPath() string {
	return c.configPath
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
