package semantic

import (
	"errors"
	"fmt"
)

// Record is a single vector written to an index. ID is the caller's record id
// (for example "card_1_abc_text"); the point id in Qdrant is derived from it.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is one similarity hit returned by Query, best first.
type Match struct {
	RecordID string
	Score    float64
	Payload  map[string]any
}

// Store failure causes.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrIndexNotReady     = errors.New("index not ready")
)

// StoreError is any failure talking to the vector store.
type StoreError struct {
	Op    string
	Index string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("semantic: %s %s: %v", e.Op, e.Index, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, index string, err error) error {
	return &StoreError{Op: op, Index: index, Err: err}
}
