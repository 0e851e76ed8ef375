package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/palaver/internal/events"
	"github.com/cloud-shuttle/palaver/internal/logging"
)

// received is one request seen by a test endpoint
type received struct {
	header  http.Header
	body    []byte
	payload Payload
}

// newEndpoint answers with statuses in order, repeating the last one
func newEndpoint(t *testing.T, statuses ...int) (*httptest.Server, <-chan received) {
	t.Helper()
	ch := make(chan received, 16)
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		json.Unmarshal(body, &p)
		ch <- received{header: r.Header.Clone(), body: body, payload: p}

		mu.Lock()
		status := statuses[min(calls, len(statuses)-1)]
		calls++
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(logging.Discard())
	m.SetRetry(3, time.Millisecond)
	m.Start(1)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func receive(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
		return received{}
	}
}

func expectNone(t *testing.T, ch <-chan received) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery of %s", d.payload.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func turnEvent(t events.EventType, id string) *events.Event {
	ev := events.NewEvent(t, id, time.Unix(1700000000, 0), map[string]any{"attempts": 1})
	ev.ID = "ev-" + id
	return ev
}

func TestWebhookDelivery(t *testing.T) {
	m := newTestManager(t)
	srv, got := newEndpoint(t, http.StatusOK)

	if err := m.Register(&Webhook{
		ID:      "test-webhook",
		URL:     srv.URL,
		Secret:  "test-secret",
		Headers: map[string]string{"X-Tenant": "acme"},
		Enabled: true,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.Emit(turnEvent(events.EventTurnCompleted, "c1"))
	d := receive(t, got)

	if d.payload.Event != events.EventTurnCompleted || d.payload.ConversationID != "c1" || d.payload.EventID != "ev-c1" {
		t.Errorf("payload = %+v", d.payload)
	}
	if d.header.Get("X-Webhook-Id") != "test-webhook" || d.header.Get("X-Webhook-Event") != "turn.completed" {
		t.Errorf("webhook headers = %v", d.header)
	}
	if d.header.Get("X-Tenant") != "acme" {
		t.Errorf("custom header missing")
	}

	sig := d.header.Get("X-Webhook-Signature")
	if !strings.HasPrefix(sig, "sha256=") || !VerifySignature(d.body, strings.TrimPrefix(sig, "sha256="), "test-secret") {
		t.Errorf("signature %q does not verify", sig)
	}
}

func TestWebhookSignature(t *testing.T) {
	secret := "test-secret"
	payload := []byte(`{"test": "data"}`)
	sig := sign(payload, secret)

	if !VerifySignature(payload, sig, secret) {
		t.Error("Signature verification failed")
	}
	if VerifySignature(payload, sig, "wrong-secret") {
		t.Error("Signature should fail with wrong secret")
	}
	if VerifySignature([]byte(`{"test": "tampered"}`), sig, secret) {
		t.Error("Signature should fail with tampered payload")
	}
}

func TestWebhookFiltering(t *testing.T) {
	m := newTestManager(t)
	srv, got := newEndpoint(t, http.StatusOK)

	m.Register(&Webhook{
		ID:      "filtered-webhook",
		URL:     srv.URL,
		Events:  []events.EventType{events.EventTurnFailed},
		Enabled: true,
	})

	m.Emit(turnEvent(events.EventTurnCompleted, "c1"))
	expectNone(t, got)

	m.Emit(turnEvent(events.EventTurnFailed, "c1"))
	if d := receive(t, got); d.payload.Event != events.EventTurnFailed {
		t.Errorf("delivered %s; want turn.failed", d.payload.Event)
	}
}

func TestWebhookEnableDisable(t *testing.T) {
	m := newTestManager(t)
	srv, got := newEndpoint(t, http.StatusOK)

	m.Register(&Webhook{ID: "toggle", URL: srv.URL, Enabled: true})

	m.Emit(turnEvent(events.EventTurnStarted, "c1"))
	receive(t, got)

	if err := m.SetEnabled("toggle", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	m.Emit(turnEvent(events.EventTurnStarted, "c2"))
	expectNone(t, got)

	m.SetEnabled("toggle", true)
	m.Emit(turnEvent(events.EventTurnStarted, "c3"))
	if d := receive(t, got); d.payload.ConversationID != "c3" {
		t.Errorf("delivered %s; want c3", d.payload.ConversationID)
	}

	if err := m.SetEnabled("missing", true); err == nil {
		t.Error("SetEnabled() on unknown webhook succeeded")
	}
}

func TestWebhookDeliveryHistory(t *testing.T) {
	m := newTestManager(t)
	if got := m.GetDeliveryHistory(10); got != nil {
		t.Fatalf("empty history = %v", got)
	}

	m.SetRetry(1, 0)

	srv, got := newEndpoint(t, http.StatusInternalServerError)
	m.Register(&Webhook{ID: "history-webhook", URL: srv.URL, Enabled: true})

	for _, id := range []string{"c1", "c2", "c3"} {
		m.Emit(turnEvent(events.EventTurnCompleted, id))
		receive(t, got)
	}

	history := waitForHistory(t, m, 3)
	for _, r := range history {
		if r.Success || r.StatusCode != http.StatusInternalServerError || r.Error != "HTTP 500" || r.Attempts != 1 {
			t.Errorf("result = %+v; want one failed HTTP 500 attempt", r)
		}
	}
	if last := m.GetDeliveryHistory(1); len(last) != 1 || last[0] != history[2] {
		t.Errorf("GetDeliveryHistory(1) is not the newest result")
	}
}

func TestAttachForwardsBusEvents(t *testing.T) {
	m := newTestManager(t)
	srv, got := newEndpoint(t, http.StatusOK)
	m.Register(&Webhook{ID: "bus", URL: srv.URL, Enabled: true})

	bus := events.NewBus()
	defer bus.Close()
	if err := m.Attach(context.Background(), bus); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	bus.Publish(context.Background(), events.NewEvent(events.EventConversationCleared, "c9", time.Now(), nil))
	d := receive(t, got)
	if d.payload.Event != events.EventConversationCleared || d.payload.EventID == "" {
		t.Errorf("payload = %+v", d.payload)
	}
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(logging.Discard())
	if err := m.Register(&Webhook{URL: "http://example.invalid"}); err == nil {
		t.Error("Register() without ID succeeded")
	}
	if err := m.Register(&Webhook{ID: "x"}); err == nil {
		t.Error("Register() without URL succeeded")
	}
	if err := m.Unregister("x"); err == nil {
		t.Error("Unregister() of unknown webhook succeeded")
	}
}

// waitForHistory polls until n results are recorded, which happens after
// the endpoint responds
func waitForHistory(t *testing.T, m *Manager, n int) []*DeliveryResult {
	t.Helper()
	var history []*DeliveryResult
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if history = m.GetDeliveryHistory(0); len(history) >= n {
			return history
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("history length = %d; want %d", len(history), n)
	return nil
}

func TestWebhookRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantAttempts int
		wantSuccess  bool
		wantStatus   int
	}{
		{"recovers after server errors", []int{503, 502, 200}, 3, true, 200},
		{"rate limited then accepted", []int{429, 204}, 2, true, 204},
		{"gives up after attempts", []int{500}, 3, false, 500},
		{"client error is final", []int{400}, 1, false, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			srv, got := newEndpoint(t, tt.statuses...)
			m.Register(&Webhook{ID: "retry", URL: srv.URL, Enabled: true})

			m.Emit(turnEvent(events.EventTurnCompleted, "c1"))
			first := receive(t, got)
			for i := 1; i < tt.wantAttempts; i++ {
				if d := receive(t, got); d.payload.DeliveryID != first.payload.DeliveryID {
					t.Errorf("attempt %d delivery id = %s; want %s", i+1, d.payload.DeliveryID, first.payload.DeliveryID)
				}
			}

			r := waitForHistory(t, m, 1)[0]
			if r.Attempts != tt.wantAttempts || r.Success != tt.wantSuccess || r.StatusCode != tt.wantStatus {
				t.Errorf("result = %+v; want %d attempts, success %v, status %d", r, tt.wantAttempts, tt.wantSuccess, tt.wantStatus)
			}
			if r.Success && r.Error != "" {
				t.Errorf("successful result kept error %q", r.Error)
			}
			expectNone(t, got)
		})
	}
}

func TestStopCancelsPendingRetries(t *testing.T) {
	m := NewManager(logging.Discard())
	m.SetRetry(5, time.Hour)
	m.Start(1)

	srv, got := newEndpoint(t, http.StatusServiceUnavailable)
	m.Register(&Webhook{ID: "slow", URL: srv.URL, Enabled: true})
	m.Emit(turnEvent(events.EventTurnCompleted, "c1"))
	receive(t, got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r := waitForHistory(t, m, 1)[0]; r.Success || r.Attempts != 1 {
		t.Errorf("result = %+v; want one failed attempt", r)
	}
}
