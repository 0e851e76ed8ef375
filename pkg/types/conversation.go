// Package types defines core data structures for Palaver
package types

import "time"

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in a conversation history. Messages are
// immutable once created; copies are passed by value.
type Message struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count"`
}

// ConversationInfo is the metadata entry returned when listing conversations
type ConversationInfo struct {
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
	TotalTokens    int       `json:"total_tokens"`
}

// Reply is the result of a processed turn
type Reply struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
}
