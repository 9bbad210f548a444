package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointStore keeps the latest session snapshot in Redis. Unlike the
// SQL stores it retains only the most recent document per session; it is a
// warm-restart cache, not an archive.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCheckpointStore creates a store over the given connection options.
func NewRedisCheckpointStore(addr, password string, db int) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "keel:checkpoint:",
	}
}

// NewRedisCheckpointStoreWithClient wraps an existing client, for testing.
func NewRedisCheckpointStoreWithClient(client *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client, prefix: "keel:checkpoint:"}
}

// SaveCheckpoint implements CheckpointStore.
func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, sessionID string, doc []byte) error {
	if err := s.client.Set(ctx, s.prefix+sessionID, doc, 0).Err(); err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore.
func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, sessionID string) ([]byte, error) {
	doc, err := s.client.Get(ctx, s.prefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("store: load checkpoint: %w", err)
	}
	return doc, nil
}

// Close releases the client.
func (s *RedisCheckpointStore) Close() error { return s.client.Close() }
