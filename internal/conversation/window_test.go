package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func msg(role types.Role, tokens int, offset int) types.Message {
	return types.Message{
		Role:       role,
		Text:       string(role),
		CreatedAt:  base.Add(time.Duration(offset) * time.Second),
		TokenCount: tokens,
	}
}

func TestFitWithinBudget(t *testing.T) {
	existing := []types.Message{msg(types.RoleSystem, 10, 0), msg(types.RoleUser, 5, 1)}
	w, err := Fit(existing, msg(types.RoleAssistant, 5, 2), 20)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if len(w.Messages) != 3 {
		t.Errorf("len(Messages) = %d; want 3", len(w.Messages))
	}
	if w.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d; want 20", w.TotalTokens)
	}
	if w.Evicted != 0 {
		t.Errorf("Evicted = %d; want 0", w.Evicted)
	}
}

func TestFitEvictsOldestNonSystem(t *testing.T) {
	existing := []types.Message{
		msg(types.RoleUser, 5, 0),
		msg(types.RoleSystem, 10, 1),
		msg(types.RoleAssistant, 5, 2),
		msg(types.RoleUser, 5, 3),
	}
	w, err := Fit(existing, msg(types.RoleAssistant, 5, 4), 22)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	// 30 > 22: drop the first user (25) then the first assistant (20).
	if w.Evicted != 2 {
		t.Fatalf("Evicted = %d; want 2", w.Evicted)
	}
	wantRoles := []types.Role{types.RoleSystem, types.RoleUser, types.RoleAssistant}
	for i, m := range w.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("Messages[%d].Role = %s; want %s", i, m.Role, wantRoles[i])
		}
	}
	if w.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d; want 20", w.TotalTokens)
	}
}

func TestFitDoesNotMutateInput(t *testing.T) {
	existing := []types.Message{msg(types.RoleUser, 10, 0), msg(types.RoleAssistant, 10, 1)}
	before := make([]types.Message, len(existing))
	copy(before, existing)

	if _, err := Fit(existing, msg(types.RoleUser, 10, 2), 15); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	for i := range existing {
		if existing[i] != before[i] {
			t.Errorf("existing[%d] changed: %+v; was %+v", i, existing[i], before[i])
		}
	}
}

func TestFitTruncationError(t *testing.T) {
	tests := []struct {
		name     string
		existing []types.Message
		incoming types.Message
		max      int
	}{
		{"message alone too large", nil, msg(types.RoleUser, 51, 0), 50},
		{"system plus message too large", []types.Message{msg(types.RoleSystem, 40, 0), msg(types.RoleUser, 5, 1)}, msg(types.RoleUser, 11, 2), 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.existing, tt.incoming, tt.max)
			if !errors.Is(err, ErrTruncation) {
				t.Fatalf("Fit() error = %v; want truncation error", err)
			}
			if KindOf(err) != KindTruncation {
				t.Errorf("KindOf() = %v; want %v", KindOf(err), KindTruncation)
			}
		})
	}
}

func TestFitExactBudget(t *testing.T) {
	w, err := Fit([]types.Message{msg(types.RoleSystem, 10, 0)}, msg(types.RoleUser, 40, 1), 50)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if w.TotalTokens != 50 {
		t.Errorf("TotalTokens = %d; want 50", w.TotalTokens)
	}
}

// Five 15-token exchanges against a 50-token budget with a 10-token
// system prompt: the oldest pairs go first and the system prompt stays.
func TestFitScenarioFiftyTokens(t *testing.T) {
	const budget = 50
	history := []types.Message{msg(types.RoleSystem, 10, 0)}
	clock := 1

	for turn := 1; turn <= 5; turn++ {
		w, err := Fit(history, msg(types.RoleUser, 15, clock), budget)
		if err != nil {
			t.Fatalf("turn %d: fitting user message: %v", turn, err)
		}
		clock++
		w, err = Fit(w.Messages, msg(types.RoleAssistant, 15, clock), budget)
		if err != nil {
			t.Fatalf("turn %d: fitting reply: %v", turn, err)
		}
		clock++
		history = w.Messages

		if w.TotalTokens > budget {
			t.Fatalf("turn %d: TotalTokens = %d; exceeds %d", turn, w.TotalTokens, budget)
		}
		if history[0].Role != types.RoleSystem {
			t.Fatalf("turn %d: system message evicted", turn)
		}
		for i := 1; i < len(history); i++ {
			if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
				t.Fatalf("turn %d: history out of order at %d", turn, i)
			}
		}
	}

	// Only the final exchange survives next to the system prompt.
	if len(history) != 3 {
		t.Fatalf("len(history) = %d; want 3", len(history))
	}
	last := base.Add(time.Duration(clock-1) * time.Second)
	if !history[2].CreatedAt.Equal(last) {
		t.Errorf("last message CreatedAt = %v; want %v", history[2].CreatedAt, last)
	}
	if history[1].Role != types.RoleUser || history[2].Role != types.RoleAssistant {
		t.Errorf("roles = %s, %s; want user, assistant", history[1].Role, history[2].Role)
	}
}
