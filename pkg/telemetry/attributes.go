// Package telemetry provides OpenTelemetry observability for Palaver
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Palaver-specific attributes
const (
	// Conversation attributes
	KeyConversationID      = "palaver.conversation.id"
	KeyConversationCreated = "palaver.conversation.created"

	// Turn attributes
	KeyTurnState    = "palaver.turn.state"
	KeyTurnAttempt  = "palaver.turn.attempt"
	KeyTurnTokens   = "palaver.turn.tokens"
	KeyWindowTokens = "palaver.window.tokens"
	KeyWindowEvict  = "palaver.window.evicted"

	// Completion attributes
	KeyCompletionMessages = "palaver.completion.messages"

	// Error attributes
	KeyErrorKind = "palaver.error.kind"
)

// ConversationAttrs returns the attributes identifying a conversation
func ConversationAttrs(id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyConversationID, id),
	}
}

// WindowAttrs returns the attributes describing a fitted window
func WindowAttrs(tokens, evicted int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(KeyWindowTokens, tokens),
		attribute.Int(KeyWindowEvict, evicted),
	}
}
