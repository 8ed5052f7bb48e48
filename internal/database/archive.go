package database

import (
	"context"

	"github.com/npezzotti/blyss-chat/internal/types"
)

// DefaultHistoryLimit bounds ListMessages when no limit is given.
const DefaultHistoryLimit = 50

// Archive keeps a local copy of the threads and messages a client observes.
// Saves are upserts keyed by id, so replaying the same data is harmless.
type Archive interface {
	Ping(ctx context.Context) error
	SaveThreads(ctx context.Context, threads []types.Thread) error
	SaveMessages(ctx context.Context, messages []types.Message) error
	ListMessages(ctx context.Context, threadId string, limit int) ([]types.Message, error)
	Close() error
}
