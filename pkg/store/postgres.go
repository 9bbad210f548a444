package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keel-labs/keel/pkg/audit"
)

// PostgresStore is an audit sink and checkpoint store over PostgreSQL.
// Callers own the handle (and its driver registration, e.g. lib/pq).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	action TEXT NOT NULL,
	cycle BIGINT NOT NULL,
	debt DOUBLE PRECISION NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	detail JSONB,
	content_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	seq BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	taken_at TIMESTAMP NOT NULL,
	doc BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);
`

// Init creates the necessary tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

// Append implements audit.Sink.
func (s *PostgresStore) Append(rec audit.Record) error {
	var detail []byte
	var err error
	if rec.Detail != nil {
		if detail, err = json.Marshal(rec.Detail); err != nil {
			return fmt.Errorf("store: marshal detail: %w", err)
		}
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO audit_records (id, kind, action, cycle, debt, timestamp, detail, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, string(rec.Kind), rec.Action, rec.Cycle, rec.Debt,
		rec.Timestamp.UTC(), detail, rec.ContentHash)
	if err != nil {
		return fmt.Errorf("store: append audit record: %w", err)
	}
	return nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, sessionID string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, taken_at, doc) VALUES ($1, $2, $3)`,
		sessionID, time.Now().UTC(), doc)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore.
func (s *PostgresStore) LoadLatest(ctx context.Context, sessionID string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM checkpoints WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`,
		sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("store: load checkpoint: %w", err)
	}
	return doc, nil
}
