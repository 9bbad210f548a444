package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keel-labs/keel/pkg/audit"
)

// SQLiteStore is an audit sink and checkpoint store over a single SQLite
// database. Schema is migrated on open.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		debt REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		detail JSON,
		content_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		doc BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements audit.Sink.
func (s *SQLiteStore) Append(rec audit.Record) error {
	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		return fmt.Errorf("store: marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO audit_records (id, kind, action, cycle, debt, timestamp, detail, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Action, rec.Cycle, rec.Debt,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), detail, rec.ContentHash)
	if err != nil {
		return fmt.Errorf("store: append audit record: %w", err)
	}
	return nil
}

// Records returns up to limit audit records, oldest first.
func (s *SQLiteStore) Records(ctx context.Context, limit int) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, action, cycle, debt, timestamp, detail, content_hash
		FROM audit_records ORDER BY timestamp, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var kind, ts string
		var detail []byte
		if err := rows.Scan(&rec.ID, &kind, &rec.Action, &rec.Cycle, &rec.Debt, &ts, &detail, &rec.ContentHash); err != nil {
			return nil, err
		}
		rec.Kind = audit.Kind(kind)
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("store: parse timestamp: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, fmt.Errorf("store: parse detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCheckpoint implements CheckpointStore.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, sessionID string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, taken_at, doc) VALUES (?, ?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), doc)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore.
func (s *SQLiteStore) LoadLatest(ctx context.Context, sessionID string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM checkpoints WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("store: load checkpoint: %w", err)
	}
	return doc, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
