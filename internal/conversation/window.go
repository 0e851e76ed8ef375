package conversation

import (
	"fmt"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Window is the result of fitting a message into a token budget
type Window struct {
	Messages    []types.Message
	TotalTokens int
	// Evicted is the number of older messages dropped to make room
	Evicted int
}

// Fit places incoming after existing and evicts the oldest non-system
// messages, in arrival order, until the total fits maxTokens. System
// messages are never evicted. Neither input slice is modified.
//
// If the budget is still exceeded once only system messages and the
// incoming message remain, Fit returns a truncation error and no window.
func Fit(existing []types.Message, incoming types.Message, maxTokens int) (Window, error) {
	total := SumTokens(existing) + incoming.TokenCount
	if total <= maxTokens {
		msgs := make([]types.Message, 0, len(existing)+1)
		msgs = append(msgs, existing...)
		msgs = append(msgs, incoming)
		return Window{Messages: msgs, TotalTokens: total}, nil
	}

	// Mark evictions front to back.
	evict := make([]bool, len(existing))
	evicted := 0
	for i, m := range existing {
		if total <= maxTokens {
			break
		}
		if m.Role == types.RoleSystem {
			continue
		}
		evict[i] = true
		total -= m.TokenCount
		evicted++
	}

	if total > maxTokens {
		return Window{}, NewError(KindTruncation, "fit", "", fmt.Errorf(
			"message needs %d tokens but only %d of %d remain after evicting all non-system history",
			incoming.TokenCount, maxTokens-(total-incoming.TokenCount), maxTokens))
	}

	msgs := make([]types.Message, 0, len(existing)-evicted+1)
	for i, m := range existing {
		if !evict[i] {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, incoming)

	return Window{Messages: msgs, TotalTokens: total, Evicted: evicted}, nil
}
