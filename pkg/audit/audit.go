// Package audit provides the append-only decision trace of a governance
// session: one record per claim, resolution, repayment, refusal, gate
// transition, and escrow settlement. Each record carries the debt at decision
// time and a content hash over its canonical JSON form, so the full trace can
// be reconstructed and verified without replaying execution.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Kind categorizes an audit record.
type Kind string

const (
	KindClaim       Kind = "CLAIM"
	KindResolve     Kind = "RESOLVE"
	KindRepay       Kind = "REPAY"
	KindRefusal     Kind = "REFUSAL"
	KindGate        Kind = "GATE"
	KindEscrow      Kind = "ESCROW"
	KindObservation Kind = "OBSERVATION"
)

// Record is one immutable audit entry.
type Record struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Action      string         `json:"action"`
	Cycle       int64          `json:"cycle"`
	Debt        float64        `json:"debt"` // total debt at decision time
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
	ContentHash string         `json:"content_hash"`
}

// Sink receives audit records. Implementations must be safe for use from a
// single writer; the session serializes all mutations.
type Sink interface {
	Append(rec Record) error
}

// Recorder stamps, hashes, and forwards records to a sink.
type Recorder struct {
	mu    sync.Mutex
	sink  Sink
	clock func() time.Time
}

// NewRecorder creates a recorder over the given sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, clock: time.Now}
}

// WithClock overrides clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record emits one audit entry. Hashing covers the canonical JSON of the
// record with the hash field empty, so verification is reproducible.
func (r *Recorder) Record(kind Kind, action string, cycle int64, debt float64, detail map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{
		ID:        uuid.New().String(),
		Kind:      kind,
		Action:    action,
		Cycle:     cycle,
		Debt:      debt,
		Timestamp: r.clock().UTC(),
		Detail:    detail,
	}
	hash, err := contentHash(rec)
	if err != nil {
		return err
	}
	rec.ContentHash = hash
	return r.sink.Append(rec)
}

// Verify recomputes a record's content hash.
func Verify(rec Record) (bool, error) {
	want := rec.ContentHash
	hash, err := contentHash(rec)
	if err != nil {
		return false, err
	}
	return hash == want, nil
}

func contentHash(rec Record) (string, error) {
	rec.ContentHash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("audit: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// WriterSink writes one JSON line per record, prefixed for easy filtering.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink over w; nil defaults to stdout.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

// Append writes the record as one JSON line.
func (s *WriterSink) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(append([]byte("AUDIT: "), data...), '\n'))
	return err
}

// MemorySink retains records in memory, for tests and inspection.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make([]Record, 0)}
}

// Append retains the record.
func (s *MemorySink) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the retained records, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

// Append forwards to every sink, returning the first error.
func (m MultiSink) Append(rec Record) error {
	for _, s := range m {
		if err := s.Append(rec); err != nil {
			return err
		}
	}
	return nil
}
