package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

// TokenCounter estimates token count for text
type TokenCounter interface {
	// CountTokens returns the number of tokens in the text. Must be
	// deterministic for a given input.
	CountTokens(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) CountTokens(text string) int {
	return f(text)
}

// SimpleTokenCounter approximates BPE tokenizers at ~4 characters per
// token, rounding up so any non-empty text costs at least one token.
type SimpleTokenCounter struct{}

func (c SimpleTokenCounter) CountTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}

// WordTokenCounter counts whitespace-separated words
type WordTokenCounter struct{}

func (c WordTokenCounter) CountTokens(text string) int {
	return len(strings.Fields(text))
}

// CounterByName resolves a configured counting strategy
func CounterByName(name string) (TokenCounter, error) {
	switch name {
	case "", "chars":
		return SimpleTokenCounter{}, nil
	case "words":
		return WordTokenCounter{}, nil
	default:
		return nil, fmt.Errorf("unknown token counter %q", name)
	}
}

// NewMessage creates a message with its token cost computed by counter
func NewMessage(role types.Role, text string, counter TokenCounter, now time.Time) types.Message {
	return types.Message{
		Role:       role,
		Text:       text,
		CreatedAt:  now,
		TokenCount: counter.CountTokens(text),
	}
}

// SumTokens returns the total token cost of messages
func SumTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}
