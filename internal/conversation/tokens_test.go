package conversation

import (
	"errors"
	"fmt"
	"testing"
)

func TestSimpleTokenCounter(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3}, // 11 runes
		{"日本語テキスト", 2}, // 7 runes
	}

	var c SimpleTokenCounter
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := c.CountTokens(tt.input); got != tt.expected {
				t.Errorf("CountTokens(%q) = %d; want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestWordTokenCounter(t *testing.T) {
	var c WordTokenCounter
	if got := c.CountTokens("  hello   there\nworld "); got != 3 {
		t.Errorf("CountTokens() = %d; want 3", got)
	}
}

func TestCounterByName(t *testing.T) {
	for _, name := range []string{"", "chars", "words"} {
		if _, err := CounterByName(name); err != nil {
			t.Errorf("CounterByName(%q) error = %v", name, err)
		}
	}
	if _, err := CounterByName("tiktoken"); err == nil {
		t.Error("CounterByName(\"tiktoken\") succeeded; want error")
	}
}

func TestNewMessageCountsTokens(t *testing.T) {
	counter := TokenCounterFunc(func(text string) int { return 7 })
	m := NewMessage("user", "anything", counter, base)
	if m.TokenCount != 7 {
		t.Errorf("TokenCount = %d; want 7", m.TokenCount)
	}
	if !m.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v; want %v", m.CreatedAt, base)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("processing: %w", NewError(KindUpstream, "complete", "c1", cause))

	if !errors.Is(err, ErrUpstream) {
		t.Error("errors.Is(err, ErrUpstream) = false")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if KindOf(err) != KindUpstream {
		t.Errorf("KindOf() = %v; want %v", KindOf(err), KindUpstream)
	}
	if KindOf(cause) != KindUnknown {
		t.Errorf("KindOf(plain) = %v; want %v", KindOf(cause), KindUnknown)
	}

	want := "complete: upstream_error (conversation c1): boom"
	if got := NewError(KindUpstream, "complete", "c1", cause).Error(); got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
}
