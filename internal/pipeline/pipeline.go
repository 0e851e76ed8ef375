package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/pkg/telemetry"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Completer produces an assistant reply for an ordered message history
type Completer interface {
	Complete(ctx context.Context, messages []types.Message) (string, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, messages []types.Message) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []types.Message) (string, error) {
	return f(ctx, messages)
}

// Journal receives the new snapshot of a conversation before it is
// committed. A failing journal aborts the turn.
type Journal interface {
	Save(ctx context.Context, s conversation.Snapshot) error
}

// Gate admits completion calls. Release is called once per successful
// Acquire, when the completer returns.
type Gate interface {
	Acquire(ctx context.Context) error
	Release(err error, elapsed time.Duration)
}

// Config holds Pipeline settings
type Config struct {
	MaxContextTokens int
	Limits           Limits
	Retry            RetryPolicy
	Counter          conversation.TokenCounter
	Journal          Journal
	// Gate, when set, bounds concurrent completion calls across conversations
	Gate             Gate
	Logger           *slog.Logger
	Now              func() time.Time
	// OnTransition, when set, observes every state the turn enters
	OnTransition func(conversationID string, s State)
}

// Pipeline drives turns through the state machine
type Pipeline struct {
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// Result describes a committed turn
type Result struct {
	Reply       types.Message
	TotalTokens int
	Attempts    int
	Evicted     int
}

// New creates a Pipeline calling completer for replies
func New(completer Completer, cfg Config) *Pipeline {
	if cfg.Counter == nil {
		cfg.Counter = conversation.SimpleTokenCounter{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{completer: completer, cfg: cfg, logger: logger.With("component", "pipeline")}
}

// Limits returns the input limits turns are validated against
func (p *Pipeline) Limits() Limits {
	return p.cfg.Limits
}

// Run executes one turn on the conversation held by lease. The lease is
// not released. The conversation is modified only if Run returns a nil
// error; on any failure it is left exactly as it was.
func (p *Pipeline) Run(ctx context.Context, lease *conversation.Lease, text string) (Result, error) {
	id := lease.ID()
	state := Receive(id, lease.Messages(), text, p.cfg.Now(), p.cfg.Counter, p.cfg.Limits)

	for {
		p.observe(id, state)

		switch s := state.(type) {
		case Received:
			state = FitWindow(s, p.cfg.MaxContextTokens)

		case WindowFitted:
			if s.Window.Evicted > 0 {
				p.logger.Debug("evicted history for user message", "conversation_id", id, "evicted", s.Window.Evicted)
			}
			state = BeginCompletion(s)

		case Completing:
			reply, err := p.complete(ctx, s)
			if err == nil {
				state = CompletionSucceeded(s, reply, p.cfg.Now(), p.cfg.Counter, p.cfg.MaxContextTokens)
				continue
			}

			next, delay := CompletionFailed(s, err, p.cfg.Retry)
			if retry, ok := next.(Completing); ok {
				p.logger.Warn("completion failed, retrying",
					"conversation_id", id,
					"attempt", s.Attempt,
					"backoff", delay,
					"error", err,
				)
				if err := sleep(ctx, delay); err != nil {
					state = Errored{From: StageCompleting, Cause: conversation.NewError(conversation.KindTimeout, "backoff", id, err)}
					continue
				}
				state = retry
				continue
			}
			state = next

		case Appended:
			if err := p.commit(ctx, lease, s); err != nil {
				state = Errored{From: StageAppended, Cause: err}
				continue
			}
			state = Finish(s)

		case Done:
			return Result{
				Reply:       s.Reply,
				TotalTokens: s.TotalTokens,
				Attempts:    s.Attempts,
				Evicted:     s.Evicted,
			}, nil

		case Errored:
			p.logger.Debug("turn failed", "conversation_id", id, "from", s.From, "error", s.Cause)
			return Result{}, s.Cause

		default:
			return Result{}, fmt.Errorf("unexpected turn state %T", state)
		}
	}
}

func (p *Pipeline) observe(id string, s State) {
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(id, s)
	}
}

// complete calls the completer and gives up when ctx is done even if the
// completer ignores ctx. A reply arriving after that is discarded.
func (p *Pipeline) complete(ctx context.Context, s Completing) (string, error) {
	ctx, span := telemetry.StartCompletionSpan(ctx, s.ConversationID, s.Attempt, len(s.Window.Messages))
	defer span.End()

	history := make([]types.Message, len(s.Window.Messages))
	copy(history, s.Window.Messages)

	if p.cfg.Gate != nil {
		if err := p.cfg.Gate.Acquire(ctx); err != nil {
			telemetry.RecordError(span, err, conversation.KindTimeout.String())
			return "", err
		}
	}

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		start := time.Now()
		text, err := p.completer.Complete(ctx, history)
		if p.cfg.Gate != nil {
			p.cfg.Gate.Release(err, time.Since(start))
		}
		ch <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		telemetry.RecordError(span, ctx.Err(), conversation.KindTimeout.String())
		return "", ctx.Err()
	case r := <-ch:
		telemetry.RecordErrorWithStatus(span, r.err, conversation.KindUpstream.String())
		return r.text, r.err
	}
}

// commit journals and then installs the final window. A deadline that
// passes before commit still fails the turn.
func (p *Pipeline) commit(ctx context.Context, lease *conversation.Lease, s Appended) error {
	if err := ctx.Err(); err != nil {
		return conversation.NewError(conversation.KindTimeout, "commit", s.ConversationID, err)
	}

	now := s.Reply.CreatedAt
	if p.cfg.Journal != nil {
		ctx, span := telemetry.StartSpan(ctx, telemetry.SpanTurnCommit, s.ConversationID,
			telemetry.WindowAttrs(s.Window.TotalTokens, s.Evicted)...)
		err := p.cfg.Journal.Save(ctx, lease.PendingSnapshot(s.Window, now))
		telemetry.RecordErrorWithStatus(span, err, conversation.KindStorage.String())
		span.End()
		if err != nil {
			return conversation.NewError(conversation.KindStorage, "journal", s.ConversationID, err)
		}
	}

	if err := lease.Commit(s.Window, now); err != nil {
		return conversation.NewError(conversation.KindStorage, "commit", s.ConversationID, err)
	}
	return nil
}
