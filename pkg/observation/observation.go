// Package observation provides the append-only entropy observation log.
// Each entry records a measured belief entropy together with a classification
// of what caused it, so downstream penalties can price identical numeric
// widenings differently by cause.
package observation

import (
	"errors"
	"math"
	"sync"
)

// Source classifies what produced an entropy observation.
type Source string

const (
	// SourcePrior marks structural widening from the prior itself.
	SourcePrior Source = "prior"
	// SourceNarrowing marks an observation that narrowed the belief state.
	SourceNarrowing Source = "narrowing"
	// SourceAmbiguous marks widening caused by ambiguous evidence.
	SourceAmbiguous Source = "ambiguous"
	// SourceContradictory marks widening caused by contradictory evidence.
	SourceContradictory Source = "contradictory"
)

var (
	// ErrInvalidSource is returned for a source tag outside the closed set.
	ErrInvalidSource = errors.New("observation: source must be one of prior, narrowing, ambiguous, contradictory")
	// ErrInvalidEntropy is returned for a negative or non-finite entropy value.
	ErrInvalidEntropy = errors.New("observation: entropy must be a finite non-negative number")
)

// Valid reports whether s is a member of the closed source set.
func (s Source) Valid() bool {
	switch s {
	case SourcePrior, SourceNarrowing, SourceAmbiguous, SourceContradictory:
		return true
	}
	return false
}

// Observation is one append-only log entry. Never mutated after Append.
type Observation struct {
	Index   int     `json:"index"`
	Entropy float64 `json:"entropy"`
	Source  Source  `json:"source"`
}

// Log is the append-only record of entropy observations for one session.
type Log struct {
	mu      sync.Mutex
	entries []Observation
}

// NewLog creates an empty observation log.
func NewLog() *Log {
	return &Log{entries: make([]Observation, 0)}
}

// Append records an observation and returns it. Malformed input fails loudly;
// it is never coerced.
func (l *Log) Append(entropy float64, source Source) (Observation, error) {
	if !source.Valid() {
		return Observation{}, ErrInvalidSource
	}
	if entropy < 0 || math.IsNaN(entropy) || math.IsInf(entropy, 0) {
		return Observation{}, ErrInvalidEntropy
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	obs := Observation{Index: len(l.entries), Entropy: entropy, Source: source}
	l.entries = append(l.entries, obs)
	return obs, nil
}

// Len returns the number of recorded observations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the full log, oldest first.
func (l *Log) Entries() []Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Observation, len(l.entries))
	copy(out, l.entries)
	return out
}

// Latest returns the most recent observation, if any.
func (l *Log) Latest() (Observation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Observation{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Restore replaces the log contents with a serialized history. Indices are
// reassigned sequentially to guard against gaps in hand-edited documents.
func (l *Log) Restore(entries []Observation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := make([]Observation, 0, len(entries))
	for i, e := range entries {
		if !e.Source.Valid() {
			return ErrInvalidSource
		}
		if e.Entropy < 0 || math.IsNaN(e.Entropy) || math.IsInf(e.Entropy, 0) {
			return ErrInvalidEntropy
		}
		restored = append(restored, Observation{Index: i, Entropy: e.Entropy, Source: e.Source})
	}
	l.entries = restored
	return nil
}
