// Package llmproxy defines the OpenAI-compatible chat completion wire types
// used to reach the completion service
package llmproxy

import "github.com/cloud-shuttle/palaver/pkg/types"

// Message represents a chat message on the wire
type Message struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
}

// ChatRequest is a request to generate a chat completion
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatResponse is the response from a chat completion
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a choice in the response
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is the error envelope returned by OpenAI-compatible servers
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

// FromHistory converts conversation history to wire messages
func FromHistory(history []types.Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = Message{Role: m.Role, Content: m.Text}
	}
	return out
}
