package store

import (
	"context"

	"github.com/verdantlabs/trellis/internal/types"
)

// Store defines the interface contract for local persistence: the namespaced
// key-value entries backing the queue, cache, and stats, plus the dead letter
// archive for operations that exhausted their retries.
type Store interface {
	GetBlob(ctx context.Context, namespace, key string, version int) ([]byte, error)
	PutBlob(ctx context.Context, namespace, key string, version int, value []byte) error
	DeleteBlob(ctx context.Context, namespace, key string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	InsertDeadLetter(ctx context.Context, letter types.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)
	PurgeDeadLetters(ctx context.Context) (int64, error)
	Close() error
}
