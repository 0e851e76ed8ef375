package client

import (
	"strings"
	"testing"

	"github.com/cloud-shuttle/palaver/internal/config"
)

func TestNewCompleter(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-env")
	t.Setenv("XAI_API_KEY", "")

	tests := []struct {
		name      string
		cfg       config.CompletionConfig
		wantURL   string
		wantModel string
		wantKey   string
		wantErr   string
	}{
		{name: "echo", cfg: config.CompletionConfig{Provider: "echo"}},
		{
			name:      "preset defaults with env key",
			cfg:       config.CompletionConfig{Provider: "groq"},
			wantURL:   "https://api.groq.com/openai",
			wantModel: "llama-3.3-70b-versatile",
			wantKey:   "gsk-env",
		},
		{
			name:      "overrides win",
			cfg:       config.CompletionConfig{Provider: "openai", BaseURL: "http://localhost:9999/", Model: "local", APIKey: "sk-cfg"},
			wantURL:   "http://localhost:9999",
			wantModel: "local",
			wantKey:   "sk-cfg",
		},
		{name: "missing key", cfg: config.CompletionConfig{Provider: "grok"}, wantErr: "XAI_API_KEY"},
		{name: "unknown provider", cfg: config.CompletionConfig{Provider: "carrier-pigeon"}, wantErr: "unknown completion provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer, err := NewCompleter(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("NewCompleter() error = %v; want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCompleter() error = %v", err)
			}

			if tt.cfg.Provider == "echo" {
				if _, ok := completer.(Echo); !ok {
					t.Fatalf("completer = %T; want Echo", completer)
				}
				return
			}
			c, ok := completer.(*Client)
			if !ok {
				t.Fatalf("completer = %T; want *Client", completer)
			}
			if c.baseURL != tt.wantURL || c.model != tt.wantModel || c.apiKey != tt.wantKey {
				t.Errorf("client = (%s, %s, %s); want (%s, %s, %s)", c.baseURL, c.model, c.apiKey, tt.wantURL, tt.wantModel, tt.wantKey)
			}
		})
	}
}

func TestProviderNames(t *testing.T) {
	got := strings.Join(ProviderNames(), ",")
	if got != "echo,grok,groq,openai" {
		t.Errorf("ProviderNames() = %s", got)
	}
}
