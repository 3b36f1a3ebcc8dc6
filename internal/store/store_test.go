package store

import (
	"context"

	"github.com/verdantlabs/trellis/internal/types"
)

// mockStore is a compile-time check that the Store interface can be implemented.
type mockStore struct{}

var _ Store = (*mockStore)(nil)

func (m *mockStore) GetBlob(ctx context.Context, namespace, key string, version int) ([]byte, error) {
	return nil, nil
}
func (m *mockStore) PutBlob(ctx context.Context, namespace, key string, version int, value []byte) error {
	return nil
}
func (m *mockStore) DeleteBlob(ctx context.Context, namespace, key string) error {
	return nil
}
func (m *mockStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	return nil, nil
}
func (m *mockStore) InsertDeadLetter(ctx context.Context, letter types.DeadLetter) error {
	return nil
}
func (m *mockStore) ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	return nil, nil
}
func (m *mockStore) CountDeadLetters(ctx context.Context) (int, error) {
	return 0, nil
}
func (m *mockStore) PurgeDeadLetters(ctx context.Context) (int64, error) {
	return 0, nil
}
func (m *mockStore) Close() error {
	return nil
}
