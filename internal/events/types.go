// Package events provides real-time streaming of conversation lifecycle events
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventConversationCreated is emitted when a message opens a new conversation
	EventConversationCreated EventType = "conversation.created"
	// EventConversationCleared is emitted when a conversation is deleted on request
	EventConversationCleared EventType = "conversation.cleared"
	// EventConversationEvicted is emitted when an idle conversation is dropped
	EventConversationEvicted EventType = "conversation.evicted"
	// EventTurnStarted is emitted once a turn holds its conversation
	EventTurnStarted EventType = "turn.started"
	// EventTurnCompleted is emitted after a turn commits
	EventTurnCompleted EventType = "turn.completed"
	// EventTurnFailed is emitted when a turn ends without changing the conversation
	EventTurnFailed EventType = "turn.failed"
)

// Event represents a single conversation lifecycle event
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      int64          `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event stamped with now
func NewEvent(eventType EventType, conversationID string, now time.Time, data map[string]any) *Event {
	return &Event{
		Type:           eventType,
		Timestamp:      now.Unix(),
		ConversationID: conversationID,
		Data:           data,
	}
}

// EventFilter selects which events a Streamer forwards
type EventFilter struct {
	Types          []EventType `json:"types,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Since          int64       `json:"since,omitempty"` // Unix timestamp
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		typeMatch := false
		for _, t := range f.Types {
			if event.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}

	if f.ConversationID != "" && event.ConversationID != f.ConversationID {
		return false
	}

	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}

	return true
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
