// Package webhooks delivers conversation lifecycle events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/palaver/internal/events"
)

// Webhook represents a configured webhook endpoint
type Webhook struct {
	ID      string             `json:"id"`
	URL     string             `json:"url"`
	Secret  string             `json:"secret,omitempty"` // HMAC secret for verification
	Events  []events.EventType `json:"events"`           // empty subscribes to all events
	Headers map[string]string  `json:"headers,omitempty"`
	Enabled bool               `json:"enabled"`
}

// Payload represents the webhook payload sent to endpoints
type Payload struct {
	Event          events.EventType `json:"event"`
	Timestamp      int64            `json:"timestamp"`
	WebhookID      string           `json:"webhook_id"`
	DeliveryID     string           `json:"delivery_id"`
	EventID        string           `json:"event_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Data           map[string]any   `json:"data,omitempty"`
}

// DeliveryResult represents the outcome of delivering one payload
type DeliveryResult struct {
	WebhookID  string           `json:"webhook_id"`
	DeliveryID string           `json:"delivery_id"`
	Event      events.EventType `json:"event"`
	StatusCode int              `json:"status_code,omitempty"` // last response status
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	Duration   time.Duration    `json:"duration"` // across all attempts
	Timestamp  time.Time        `json:"timestamp"`
}

const (
	defaultQueueSize   = 1000
	defaultHistorySize = 100
	defaultAttempts    = 3
	defaultBackoff     = time.Second
)

// Manager fans lifecycle events out to registered endpoints through a
// bounded queue served by a fixed set of delivery workers
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	client   *http.Client
	attempts int
	backoff  time.Duration

	logger   *slog.Logger
	queue    chan delivery
	ctx      context.Context // cancelled by Stop; bounds in-flight requests
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	historyMu sync.Mutex
	history   []*DeliveryResult
}

type delivery struct {
	webhook Webhook
	payload *Payload
}

// NewManager creates a webhook manager. Deliveries start once Start is
// called.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		webhooks: make(map[string]*Webhook),
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   logger.With("component", "webhooks"),
		queue:    make(chan delivery, defaultQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetTimeout sets the per-request timeout
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = &http.Client{Timeout: timeout}
}

// SetRetry sets how many times a failing delivery is attempted and the
// pause before the second attempt, doubled for each one after
func (m *Manager) SetRetry(attempts int, backoff time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = max(1, attempts)
	m.backoff = backoff
}

// Start launches the delivery workers
func (m *Manager) Start(workers int) {
	m.logger.Info("starting webhook delivery", "workers", workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Attach emits every event published on bus until the bus closes or ctx
// is done
func (m *Manager) Attach(ctx context.Context, bus *events.Bus) error {
	stream, err := events.NewStreamer(bus, "webhooks", events.EventFilter{}).Start(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	go func() {
		for event := range stream {
			m.Emit(event)
		}
	}()
	return nil
}

// Stop cancels in-flight requests and waits for the workers to exit.
// Queued deliveries that have not started are dropped.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(m.cancel)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("webhook delivery stopped", "dropped", len(m.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds or replaces a webhook. The manager keeps its own copy.
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.ID == "" {
		return fmt.Errorf("webhook ID is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook %s: URL is required", webhook.ID)
	}

	w := *webhook
	m.mu.Lock()
	m.webhooks[w.ID] = &w
	m.mu.Unlock()

	m.logger.Info("registered webhook", "webhook_id", w.ID, "url", w.URL, "events", len(w.Events))
	return nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	return nil
}

// List returns copies of all registered webhooks
func (m *Manager) List() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, *w)
	}
	return out
}

// SetEnabled enables or disables a webhook
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.webhooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	w.Enabled = enabled
	return nil
}

// Emit queues event for every enabled webhook subscribed to its type.
// Events are dropped when the queue is full.
func (m *Manager) Emit(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.webhooks {
		if !w.Enabled || !w.subscribed(event.Type) {
			continue
		}

		d := delivery{webhook: *w, payload: &Payload{
			Event:          event.Type,
			Timestamp:      event.Timestamp,
			WebhookID:      w.ID,
			DeliveryID:     uuid.NewString(),
			EventID:        event.ID,
			ConversationID: event.ConversationID,
			Data:           event.Data,
		}}

		select {
		case m.queue <- d:
		default:
			m.logger.Warn("delivery queue full, dropping event", "webhook_id", w.ID, "event", event.Type)
		}
	}
}

// GetDeliveryHistory returns up to limit of the most recent delivery
// results, oldest first. A non-positive limit returns all kept results.
func (m *Manager) GetDeliveryHistory(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	n := len(m.history)
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*DeliveryResult, limit)
	copy(out, m.history[n-limit:])
	return out
}

func (w *Webhook) subscribed(event events.EventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.queue:
			m.record(m.deliver(d))
		}
	}
}

// deliver posts d, retrying network failures, 429 and 5xx responses
func (m *Manager) deliver(d delivery) *DeliveryResult {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  d.webhook.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
		Timestamp:  start,
	}
	logger := m.logger.With("webhook_id", d.webhook.ID, "event", d.payload.Event, "delivery_id", d.payload.DeliveryID)

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("encoding payload: %v", err)
		logger.Error("webhook delivery failed", "error", result.Error)
		return result
	}

	m.mu.RLock()
	client, attempts, backoff := m.client, m.attempts, m.backoff
	m.mu.RUnlock()

	for result.Attempts < attempts {
		if result.Attempts > 0 {
			if !sleep(m.ctx, backoff<<(result.Attempts-1)) {
				break
			}
		}
		result.Attempts++

		status, err := m.send(client, d.webhook, d.payload, body)
		result.StatusCode = status
		switch {
		case err != nil:
			result.Error = err.Error()
		case status >= 200 && status < 300:
			result.Success, result.Error = true, ""
		default:
			result.Error = fmt.Sprintf("HTTP %d", status)
		}
		if result.Success || !retryable(status, err) || m.ctx.Err() != nil {
			break
		}
		logger.Debug("webhook delivery attempt failed", "attempt", result.Attempts, "error", result.Error)
	}
	result.Duration = time.Since(start)

	if result.Success {
		logger.Debug("webhook delivered", "status", result.StatusCode, "attempts", result.Attempts, "duration", result.Duration)
	} else {
		logger.Warn("webhook delivery failed", "url", d.webhook.URL, "attempts", result.Attempts, "error", result.Error)
	}
	return result
}

// send makes one POST and returns the response status
func (m *Manager) send(client *http.Client, w Webhook, p *Payload, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Palaver-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", w.ID)
	req.Header.Set("X-Webhook-Delivery-ID", p.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(p.Timestamp, 10))
	req.Header.Set("X-Webhook-Event", string(p.Event))
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, w.Secret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) == defaultHistorySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, result)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// payload under secret
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
