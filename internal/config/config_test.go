package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseIntOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      int
		expected int
	}{
		{"5", 10, 5},
		{"4000", 0, 4000},
		{"-3", 10, -3},
		{"abc", 10, 10}, // invalid returns default
		{"", 10, 10},    // empty returns default
		{"7xyz", 10, 7}, // parses prefix
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseIntOrDefault(tt.input, tt.def)
			if result != tt.expected {
				t.Errorf("parseIntOrDefault(%q, %d) = %d; want %d", tt.input, tt.def, result, tt.expected)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		input    string
		def      time.Duration
		expected time.Duration
	}{
		{"60s", time.Minute, 60 * time.Second},
		{"500ms", time.Second, 500 * time.Millisecond},
		{"1h30m", time.Minute, 90 * time.Minute},
		{"invalid", time.Minute, time.Minute}, // invalid returns default
		{"", time.Minute, time.Minute},        // empty returns default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseDurationOrDefault(tt.input, tt.def)
			if result != tt.expected {
				t.Errorf("parseDurationOrDefault(%q, %v) = %v; want %v", tt.input, tt.def, result, tt.expected)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		text    string
		wantErr bool
	}{
		{"32KB", 32 * 1024, "32KB", false},
		{"1mb", 1024 * 1024, "1MB", false},
		{"100", 100, "100", false},
		{"100B", 100, "100", false},
		{"lots", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var b ByteSize
			err := b.UnmarshalText([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if b != tt.want {
				t.Errorf("UnmarshalText(%q) = %d; want %d", tt.input, b, tt.want)
			}
			text, _ := b.MarshalText()
			if string(text) != tt.text {
				t.Errorf("MarshalText() = %q; want %q", text, tt.text)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextTokens != 4000 || cfg.RetryCount != 2 || cfg.RetryBackoff != 500*time.Millisecond {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.MaxRetryBackoff != 10*time.Second || cfg.TurnTimeout != 60*time.Second {
		t.Errorf("default backoff cap or timeout = %v, %v", cfg.MaxRetryBackoff, cfg.TurnTimeout)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "palaver.toml")
	content := `
max_context_tokens = 50
max_message_bytes = "1KB"
turn_timeout = "5s"
system_prompt = "You are terse."

[completion]
provider = "echo"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("PALAVER_TURN_TIMEOUT", "9s")
	t.Setenv("PALAVER_RETRY_COUNT", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextTokens != 50 || cfg.MaxMessageBytes != 1024 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SystemPrompt != "You are terse." || cfg.Completion.Provider != "echo" {
		t.Errorf("file strings not applied: %+v", cfg)
	}
	if cfg.TurnTimeout != 9*time.Second {
		t.Errorf("TurnTimeout = %v; env should override file", cfg.TurnTimeout)
	}
	if cfg.RetryCount != 4 {
		t.Errorf("RetryCount = %d; want 4", cfg.RetryCount)
	}
	if cfg.ConfigPath() != path {
		t.Errorf("ConfigPath() = %q; want %q", cfg.ConfigPath(), path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load() of a missing file succeeded; want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero budget", func(c *Config) { c.MaxContextTokens = 0 }, "max_context_tokens"},
		{"negative retries", func(c *Config) { c.RetryCount = -1 }, "retry_count"},
		{"cap below base", func(c *Config) { c.MaxRetryBackoff = time.Millisecond }, "max_retry_backoff"},
		{"bad counter", func(c *Config) { c.TokenCounter = "bytes" }, "token_counter"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad provider", func(c *Config) { c.Completion.Provider = "carrier-pigeon" }, "completion.provider"},
		{"ttl without interval", func(c *Config) { c.IdleTTL = time.Hour; c.EvictInterval = 0 }, "evict_interval"},
		{"rate limit without rpm", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerMinute = 0 }, "requests_per_minute"},
		{"min above max concurrency", func(c *Config) { c.Backpressure.MinConcurrency = 9 }, "min_concurrency"},
		{"relative webhook url", func(c *Config) { c.Webhooks = []WebhookConfig{{URL: "/hooks"}} }, "webhooks[0].url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v; want mention of %s", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "palaver.toml")
	cfg := Default()
	cfg.MaxContextTokens = 1234
	cfg.Completion.Provider = "echo"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.MaxContextTokens != 1234 || loaded.Completion.Provider != "echo" || loaded.MaxMessageBytes != cfg.MaxMessageBytes {
		t.Errorf("round trip = %+v", loaded)
	}
	if loaded.RetryBackoff != cfg.RetryBackoff {
		t.Errorf("RetryBackoff = %v; want %v", loaded.RetryBackoff, cfg.RetryBackoff)
	}
}

func TestLoadWebhooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "palaver.toml")
	content := `
[[webhooks]]
id = "audit"
url = "https://hooks.example.com/palaver"
secret = "s3cret"
events = ["turn.completed", "turn.failed"]

[webhooks.headers]
X-Tenant = "acme"

[[webhooks]]
url = "http://localhost:9000/all"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("webhooks = %d; want 2", len(cfg.Webhooks))
	}
	audit := cfg.Webhooks[0]
	if audit.ID != "audit" || audit.Secret != "s3cret" || len(audit.Events) != 2 || audit.Headers["X-Tenant"] != "acme" {
		t.Errorf("webhooks[0] = %+v", audit)
	}
	if cfg.Webhooks[1].ID != "" || len(cfg.Webhooks[1].Events) != 0 {
		t.Errorf("webhooks[1] = %+v", cfg.Webhooks[1])
	}
}
