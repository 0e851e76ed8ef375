package conversation

import (
	"context"
)

// Persister stores conversation snapshots outside the process. Without
// one, conversations live only as long as the process.
type Persister interface {
	// Save replaces the stored state of a conversation with s
	Save(ctx context.Context, s Snapshot) error

	// Load returns the stored state of a conversation, or an error of
	// kind NotFound
	Load(ctx context.Context, conversationID string) (Snapshot, error)

	// LoadAll returns every stored conversation, oldest first
	LoadAll(ctx context.Context) ([]Snapshot, error)

	// Delete removes a conversation and its messages. Deleting an
	// unknown conversation is not an error.
	Delete(ctx context.Context, conversationID string) error

	// Close releases the backing resources
	Close() error
}
