// Package pipeline runs a single conversational turn as an explicit state
// machine. Each transition is a pure function over state values; Pipeline
// drives them and performs the side effects (completion calls, backoff,
// journaling and the final commit).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Stage names a turn state
type Stage int

const (
	StageReceived Stage = iota
	StageWindowFitted
	StageCompleting
	StageAppended
	StageDone
	StageErrored
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageWindowFitted:
		return "window_fitted"
	case StageCompleting:
		return "completing"
	case StageAppended:
		return "appended"
	case StageDone:
		return "done"
	case StageErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// State is one of Received, WindowFitted, Completing, Appended, Done or
// Errored. Done and Errored are terminal.
type State interface {
	Stage() Stage
	isState()
}

// Received holds a validated user message and the history it arrived on
type Received struct {
	ConversationID string
	History        []types.Message
	Input          types.Message
}

// WindowFitted holds the history with the user message appended and
// trimmed to the token budget
type WindowFitted struct {
	ConversationID string
	Window         conversation.Window
}

// Completing is waiting on the completion service. Attempt starts at 1.
type Completing struct {
	ConversationID string
	Window         conversation.Window
	Attempt        int
}

// Appended holds the final window with the assistant reply in place
type Appended struct {
	ConversationID string
	Window         conversation.Window
	Reply          types.Message
	Attempts       int
	// Evicted counts messages dropped over the whole turn
	Evicted int
}

// Done is the terminal success state
type Done struct {
	ConversationID string
	Reply          types.Message
	TotalTokens    int
	Attempts       int
	Evicted        int
}

// Errored is the terminal failure state
type Errored struct {
	From  Stage
	Cause error
}

func (Received) Stage() Stage     { return StageReceived }
func (WindowFitted) Stage() Stage { return StageWindowFitted }
func (Completing) Stage() Stage   { return StageCompleting }
func (Appended) Stage() Stage     { return StageAppended }
func (Done) Stage() Stage         { return StageDone }
func (Errored) Stage() Stage      { return StageErrored }

func (Received) isState()     {}
func (WindowFitted) isState() {}
func (Completing) isState()   {}
func (Appended) isState()     {}
func (Done) isState()         {}
func (Errored) isState()      {}

// Limits bounds the input a turn accepts
type Limits struct {
	// MaxMessageBytes caps the user message size; zero means unlimited
	MaxMessageBytes int
}

// Validate checks a user message before any conversation is touched
func Validate(text string, limits Limits) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message is empty")
	}
	if limits.MaxMessageBytes > 0 && len(text) > limits.MaxMessageBytes {
		return fmt.Errorf("message is %d bytes; limit is %d", len(text), limits.MaxMessageBytes)
	}
	return nil
}

// Receive validates text and builds the user message. The timestamp is
// clamped so it never predates the newest history entry.
func Receive(id string, history []types.Message, text string, now time.Time, counter conversation.TokenCounter, limits Limits) State {
	if err := Validate(text, limits); err != nil {
		return Errored{From: StageReceived, Cause: conversation.NewError(conversation.KindValidation, "receive", id, err)}
	}
	now = notBefore(history, now)
	return Received{
		ConversationID: id,
		History:        history,
		Input:          conversation.NewMessage(types.RoleUser, text, counter, now),
	}
}

// FitWindow appends the user message to the history under maxTokens
func FitWindow(s Received, maxTokens int) State {
	w, err := conversation.Fit(s.History, s.Input, maxTokens)
	if err != nil {
		return Errored{From: StageReceived, Cause: withConversation(err, s.ConversationID)}
	}
	return WindowFitted{ConversationID: s.ConversationID, Window: w}
}

// BeginCompletion starts the first completion attempt
func BeginCompletion(s WindowFitted) State {
	return Completing{ConversationID: s.ConversationID, Window: s.Window, Attempt: 1}
}

// CompletionSucceeded appends the assistant reply, evicting older
// messages again if the reply pushes the window over maxTokens. An empty
// reply is treated as an upstream failure.
func CompletionSucceeded(s Completing, text string, now time.Time, counter conversation.TokenCounter, maxTokens int) State {
	if strings.TrimSpace(text) == "" {
		return Errored{From: StageCompleting, Cause: conversation.Errorf(
			conversation.KindUpstream, "complete", s.ConversationID, "completion service returned an empty reply")}
	}

	reply := conversation.NewMessage(types.RoleAssistant, text, counter, notBefore(s.Window.Messages, now))
	w, err := conversation.Fit(s.Window.Messages, reply, maxTokens)
	if err != nil {
		return Errored{From: StageCompleting, Cause: withConversation(err, s.ConversationID)}
	}

	return Appended{
		ConversationID: s.ConversationID,
		Window:         w,
		Reply:          reply,
		Attempts:       s.Attempt,
		Evicted:        s.Window.Evicted + w.Evicted,
	}
}

// CompletionFailed decides what follows a failed completion attempt. A
// transient failure with retries left yields the next Completing state
// and the backoff to wait first. Deadline and cancellation yield a
// timeout; everything else is an upstream failure.
func CompletionFailed(s Completing, err error, policy RetryPolicy) (State, time.Duration) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Errored{From: StageCompleting, Cause: conversation.NewError(
			conversation.KindTimeout, "complete", s.ConversationID, err)}, 0
	case IsTransient(err) && s.Attempt <= policy.MaxRetries:
		next := s
		next.Attempt++
		return next, policy.Delay(s.Attempt)
	}

	if s.Attempt > 1 {
		err = fmt.Errorf("after %d attempts: %w", s.Attempt, err)
	}
	return Errored{From: StageCompleting, Cause: conversation.NewError(
		conversation.KindUpstream, "complete", s.ConversationID, err)}, 0
}

// Finish marks an appended turn as committed
func Finish(s Appended) State {
	return Done{
		ConversationID: s.ConversationID,
		Reply:          s.Reply,
		TotalTokens:    s.Window.TotalTokens,
		Attempts:       s.Attempts,
		Evicted:        s.Evicted,
	}
}

func notBefore(history []types.Message, now time.Time) time.Time {
	if n := len(history); n > 0 && now.Before(history[n-1].CreatedAt) {
		return history[n-1].CreatedAt
	}
	return now
}

func withConversation(err error, id string) error {
	var ce *conversation.Error
	if errors.As(err, &ce) && ce.ConversationID == "" {
		ce.ConversationID = id
	}
	return err
}
