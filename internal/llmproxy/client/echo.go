package client

import (
	"context"
	"fmt"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

// Echo answers every turn by repeating the latest user message. It needs
// no network and is used for local runs and demos.
type Echo struct {
	Prefix string
}

// Complete returns the newest user message, prefixed
func (e Echo) Complete(ctx context.Context, history []types.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			return e.Prefix + history[i].Text, nil
		}
	}
	return "", fmt.Errorf("no user message to echo")
}
