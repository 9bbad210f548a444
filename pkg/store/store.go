// Package store provides optional durable backends for the governance engine:
// audit sinks and session checkpoint stores over SQLite, Postgres, and Redis.
// The core never requires any of them; persistence is bounded by the session
// serialization contract.
package store

import (
	"context"
	"errors"
)

// ErrNoCheckpoint is returned when no checkpoint has been saved yet.
var ErrNoCheckpoint = errors.New("store: no checkpoint found")

// CheckpointStore persists session snapshot documents.
type CheckpointStore interface {
	// SaveCheckpoint stores one snapshot document for the session.
	SaveCheckpoint(ctx context.Context, sessionID string, doc []byte) error
	// LoadLatest returns the most recent snapshot for the session.
	LoadLatest(ctx context.Context, sessionID string) ([]byte, error)
}
