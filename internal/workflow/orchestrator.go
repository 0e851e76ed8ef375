// Package workflow implements the conversational front door: it resolves
// conversations, serializes turns on each one and runs them through the
// turn pipeline
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/events"
	"github.com/cloud-shuttle/palaver/internal/pipeline"
	"github.com/cloud-shuttle/palaver/internal/session"
	"github.com/cloud-shuttle/palaver/pkg/telemetry"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Options configures an Orchestrator
type Options struct {
	Store    *session.Store
	Pipeline *pipeline.Pipeline

	// Bus receives lifecycle events; nil disables them
	Bus *events.Bus

	// TurnTimeout bounds each turn including the wait for the
	// conversation lock. Zero means only the caller's deadline applies.
	TurnTimeout time.Duration

	Logger *slog.Logger

	// NewID generates ids for messages that arrive without one
	NewID func() string
	Now   func() time.Time
}

// Orchestrator processes messages against conversations in a session store
type Orchestrator struct {
	store       *session.Store
	pipeline    *pipeline.Pipeline
	bus         *events.Bus
	turnTimeout time.Duration
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a session store")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("orchestrator requires a turn pipeline")
	}
	if opts.TurnTimeout < 0 {
		return nil, fmt.Errorf("turn timeout must not be negative (got %v)", opts.TurnTimeout)
	}

	o := &Orchestrator{
		store:       opts.Store,
		pipeline:    opts.Pipeline,
		bus:         opts.Bus,
		turnTimeout: opts.TurnTimeout,
		logger:      opts.Logger,
		newID:       opts.NewID,
		now:         opts.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// ProcessMessage runs one turn. An empty conversationID starts a new
// conversation under a generated id. Turns on the same conversation run
// one at a time in arrival order at the lock; turns on different
// conversations run in parallel. On error the conversation is unchanged.
func (o *Orchestrator) ProcessMessage(ctx context.Context, conversationID, message string) (types.Reply, error) {
	if err := pipeline.Validate(message, o.pipeline.Limits()); err != nil {
		return types.Reply{}, conversation.NewError(conversation.KindValidation, "process message", conversationID, err)
	}
	if conversationID == "" {
		conversationID = o.newID()
	}

	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	ctx, span := telemetry.StartTurnSpan(ctx, conversationID)
	defer span.End()
	start := o.now()

	lease, created, err := o.acquire(ctx, conversationID)
	if err != nil {
		o.turnFailed(span, conversationID, err, start)
		return types.Reply{}, err
	}
	defer lease.Release()

	span.SetAttributes(attribute.Bool(telemetry.KeyConversationCreated, created))
	if created {
		o.publish(events.EventConversationCreated, conversationID, nil)
	}
	o.publish(events.EventTurnStarted, conversationID, nil)

	res, err := o.pipeline.Run(ctx, lease, message)
	if err != nil {
		o.turnFailed(span, conversationID, err, start)
		return types.Reply{}, err
	}

	telemetry.SetTurnState(span, pipeline.StageDone.String())
	span.SetAttributes(telemetry.WindowAttrs(res.TotalTokens, res.Evicted)...)
	telemetry.RecordErrorWithStatus(span, nil, "")

	o.logger.Info("turn completed",
		"conversation_id", conversationID,
		"attempts", res.Attempts,
		"total_tokens", res.TotalTokens,
		"evicted", res.Evicted,
		"duration", o.now().Sub(start),
	)
	o.publish(events.EventTurnCompleted, conversationID, map[string]any{
		"attempts":     res.Attempts,
		"total_tokens": res.TotalTokens,
		"evicted":      res.Evicted,
	})

	return types.Reply{ConversationID: conversationID, Response: res.Reply.Text}, nil
}

// acquire resolves id and takes its lease. A conversation deleted or
// evicted while we waited is resolved again, which yields a fresh one.
func (o *Orchestrator) acquire(ctx context.Context, id string) (*conversation.Lease, bool, error) {
	created := false
	for {
		c, made, err := o.store.GetOrCreate(id)
		if err != nil {
			return nil, false, conversation.NewError(conversation.KindStorage, "resolve conversation", id, err)
		}
		created = created || made

		lease, err := c.Acquire(ctx)
		switch {
		case err == nil:
			return lease, created, nil
		case errors.Is(err, conversation.ErrDetached):
			o.logger.Debug("conversation removed while waiting, resolving again", "conversation_id", id)
			continue
		default:
			return nil, false, conversation.NewError(conversation.KindTimeout, "acquire conversation", id, err)
		}
	}
}

func (o *Orchestrator) turnFailed(span trace.Span, id string, err error, start time.Time) {
	kind := conversation.KindOf(err)
	telemetry.SetTurnState(span, pipeline.StageErrored.String())
	telemetry.RecordError(span, err, kind.String())

	level := slog.LevelWarn
	if kind == conversation.KindValidation || kind == conversation.KindTruncation {
		level = slog.LevelInfo
	}
	o.logger.Log(context.Background(), level, "turn failed",
		"conversation_id", id,
		"kind", kind.String(),
		"duration", o.now().Sub(start),
		"error", err,
	)
	o.publish(events.EventTurnFailed, id, map[string]any{
		"kind":  kind.String(),
		"error": err.Error(),
	})
}

// ClearConversation deletes a conversation. A turn in flight on it
// finishes against the removed instance and is not retained.
func (o *Orchestrator) ClearConversation(ctx context.Context, conversationID string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConversationClear, conversationID)
	defer span.End()

	err := o.store.Delete(ctx, conversationID)
	if errors.Is(err, session.ErrClosed) {
		err = conversation.NewError(conversation.KindStorage, "clear conversation", conversationID, err)
	}
	telemetry.RecordErrorWithStatus(span, err, conversation.KindOf(err).String())
	if err != nil {
		return err
	}

	o.publish(events.EventConversationCleared, conversationID, nil)
	return nil
}

// ListConversations returns metadata for every live conversation
func (o *Orchestrator) ListConversations() []types.ConversationInfo {
	return o.store.List()
}

// Conversation returns the current history of a conversation
func (o *Orchestrator) Conversation(conversationID string) (conversation.Snapshot, error) {
	c, err := o.store.Get(conversationID)
	if errors.Is(err, session.ErrClosed) {
		return conversation.Snapshot{}, conversation.NewError(conversation.KindStorage, "get conversation", conversationID, err)
	}
	if err != nil {
		return conversation.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Health reports whether the orchestrator accepts turns
func (o *Orchestrator) Health() bool {
	return !o.store.Closed()
}

// Close closes the session store. In-flight turns finish; new ones fail.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

func (o *Orchestrator) publish(t events.EventType, id string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(context.Background(), events.NewEvent(t, id, o.now(), data)); err != nil {
		o.logger.Debug("dropping event", "type", t, "conversation_id", id, "error", err)
	}
}
