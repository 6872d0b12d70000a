// Package operation provides the domain model for async upload runs. An
// Operation moves through a linear lifecycle:
//
//	pending → running → succeeded | failed.
//
// The store is the authoritative source of truth for operation state; HTTP
// handlers read and write exclusively through it.
package operation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datatheorem/dtupload/internal/upload"
)

// ErrNotFound is returned for an unknown operation id.
var ErrNotFound = errors.New("operation not found")

// Status represents the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Operation represents a single async upload run.
type Operation struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Build     string    `json:"build"`
	Workspace string    `json:"workspace,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Log holds the progress lines emitted so far.
	Log []string `json:"log"`

	// Outcome is set once the operation leaves StatusRunning.
	Outcome *upload.Outcome `json:"outcome,omitempty"`
}

// Store is the interface for persisting and retrieving operations. The
// in-memory implementation below is suitable for a single instance.
type Store interface {
	Create(build, workspace string) (*Operation, error)
	Get(id string) (*Operation, error)
	MarkRunning(id string) error
	AppendLog(id, line string) error
	MarkDone(id string, out upload.Outcome) error
}

// MemoryStore is a concurrency-safe in-memory Store implementation.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (s *MemoryStore) Create(build, workspace string) (*Operation, error) {
	now := time.Now()
	op := &Operation{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Build:     build,
		Workspace: workspace,
		CreatedAt: now,
		UpdatedAt: now,
		Log:       []string{},
	}

	s.mu.Lock()
	s.ops[op.ID] = op
	s.mu.Unlock()

	return op, nil
}

func (s *MemoryStore) Get(id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	// Return a copy to prevent callers from mutating internal state.
	cp := *op
	cp.Log = append([]string(nil), op.Log...)
	if op.Outcome != nil {
		out := *op.Outcome
		cp.Outcome = &out
	}
	return &cp, nil
}

func (s *MemoryStore) MarkRunning(id string) error {
	return s.update(id, func(op *Operation) {
		op.Status = StatusRunning
	})
}

func (s *MemoryStore) AppendLog(id, line string) error {
	return s.update(id, func(op *Operation) {
		op.Log = append(op.Log, line)
	})
}

func (s *MemoryStore) MarkDone(id string, out upload.Outcome) error {
	return s.update(id, func(op *Operation) {
		op.Status = StatusFailed
		if out.Success {
			op.Status = StatusSucceeded
		}
		op.Outcome = &out
	})
}

func (s *MemoryStore) update(id string, fn func(*Operation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	fn(op)
	op.UpdatedAt = time.Now()
	return nil
}
