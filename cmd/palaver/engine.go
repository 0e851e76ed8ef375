package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloud-shuttle/palaver/internal/backpressure"
	"github.com/cloud-shuttle/palaver/internal/config"
	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/events"
	"github.com/cloud-shuttle/palaver/internal/llmproxy/client"
	"github.com/cloud-shuttle/palaver/internal/pipeline"
	"github.com/cloud-shuttle/palaver/internal/search"
	"github.com/cloud-shuttle/palaver/internal/session"
	"github.com/cloud-shuttle/palaver/internal/webhooks"
	"github.com/cloud-shuttle/palaver/internal/workflow"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// engine bundles the components a running palaver process owns
type engine struct {
	orchestrator *workflow.Orchestrator
	store        *session.Store
	bus          *events.Bus
	persister    *conversation.SQLiteStore
	searcher     *search.Searcher
	webhooks     *webhooks.Manager
	gate         *backpressure.Controller
	completer    pipeline.Completer
	logger       *slog.Logger
}

// healthChecker is implemented by completers that can probe their service
type healthChecker interface {
	GetHealth(ctx context.Context) error
}

// newEngine wires the session store, turn pipeline and orchestrator from
// cfg. Persisted conversations are restored and the idle evictor started
// when configured.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	counter, err := conversation.CounterByName(cfg.TokenCounter)
	if err != nil {
		return nil, err
	}

	completer, err := client.NewCompleter(cfg.Completion)
	if err != nil {
		return nil, err
	}

	e := &engine{
		bus:       events.NewBus(),
		completer: completer,
		logger:    logger,
	}

	storeOpts := session.Options{
		Logger: logger,
		OnEvict: func(id string) {
			e.bus.Publish(context.Background(), events.NewEvent(events.EventConversationEvicted, id, time.Now(), nil))
		},
	}
	if cfg.SystemPrompt != "" {
		prompt := cfg.SystemPrompt
		storeOpts.Seed = func(now time.Time) []types.Message {
			return []types.Message{conversation.NewMessage(types.RoleSystem, prompt, counter, now)}
		}
	}

	if cfg.DatabasePath != "" {
		e.persister, err = conversation.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening conversation database: %w", err)
		}
		storeOpts.Persister = e.persister

		if e.searcher, err = openSearcher(ctx, cfg.DatabasePath, logger); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.store = session.NewStore(storeOpts)
	if _, err := e.store.Restore(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("restoring conversations: %w", err)
	}

	if cfg.IdleTTL > 0 {
		if err := e.store.StartEvictor(ctx, cfg.EvictInterval, cfg.IdleTTL); err != nil {
			e.Close()
			return nil, fmt.Errorf("starting evictor: %w", err)
		}
	}

	pcfg := pipeline.Config{
		MaxContextTokens: cfg.MaxContextTokens,
		Limits:           pipeline.Limits{MaxMessageBytes: int(cfg.MaxMessageBytes)},
		Retry: pipeline.RetryPolicy{
			MaxRetries: cfg.RetryCount,
			Backoff:    cfg.RetryBackoff,
			MaxBackoff: cfg.MaxRetryBackoff,
		},
		Counter: counter,
		Journal: e.store,
		Logger:  logger,
		OnTransition: func(id string, s pipeline.State) {
			logger.Debug("turn transition", "conversation_id", id, "state", s.Stage().String())
		},
	}
	if b := cfg.Backpressure; b.MaxConcurrency > 0 {
		e.gate = backpressure.NewController(backpressure.Config{
			MaxConcurrency:   b.MaxConcurrency,
			MinConcurrency:   b.MinConcurrency,
			RateLimitBackoff: b.RateLimitBackoff,
			MaxBackoff:       b.MaxBackoff,
			SlowThreshold:    b.SlowThreshold,
		}, logger)
		pcfg.Gate = e.gate
	}
	turns := pipeline.New(completer, pcfg)

	if len(cfg.Webhooks) > 0 {
		if err := e.startWebhooks(ctx, cfg.Webhooks); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.orchestrator, err = workflow.NewOrchestrator(workflow.Options{
		Store:       e.store,
		Pipeline:    turns,
		Bus:         e.bus,
		TurnTimeout: cfg.TurnTimeout,
		Logger:      logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// openSearcher opens the message index of the conversation database at
// path, which must already hold the conversation schema
func openSearcher(ctx context.Context, path string, logger *slog.Logger) (*search.Searcher, error) {
	s, err := search.NewSearcher(path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// webhookWorkers is the number of concurrent webhook deliveries
const webhookWorkers = 2

func (e *engine) startWebhooks(ctx context.Context, hooks []config.WebhookConfig) error {
	e.webhooks = webhooks.NewManager(e.logger)
	for i, h := range hooks {
		w := &webhooks.Webhook{
			ID:      h.ID,
			URL:     h.URL,
			Secret:  h.Secret,
			Headers: h.Headers,
			Enabled: true,
		}
		if w.ID == "" {
			w.ID = fmt.Sprintf("webhook-%d", i+1)
		}
		for _, t := range h.Events {
			w.Events = append(w.Events, events.EventType(t))
		}
		if err := e.webhooks.Register(w); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
	}

	e.webhooks.Start(webhookWorkers)
	return e.webhooks.Attach(ctx, e.bus)
}

// checkCompleter logs whether the completion service is reachable
func (e *engine) checkCompleter(ctx context.Context) {
	hc, ok := e.completer.(healthChecker)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := hc.GetHealth(ctx); err != nil {
		e.logger.Warn("completion service unreachable", "error", err)
		return
	}
	e.logger.Info("completion service reachable")
}

// Close stops accepting turns and event delivery, then closes the database
func (e *engine) Close() error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.bus.Close())
	for name, n := range e.bus.Dropped() {
		e.logger.Warn("event subscriber missed events", "subscriber", name, "dropped", n)
	}
	if e.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, e.webhooks.Stop(ctx))
		cancel()
	}
	if e.searcher != nil {
		errs = append(errs, e.searcher.Close())
	}
	if e.persister != nil {
		errs = append(errs, e.persister.Close())
	}
	return errors.Join(errs...)
}
