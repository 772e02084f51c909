package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrFlowNotFound the requested flow does not exist.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowFinalized the flow is already finalized and cannot be edited.
	ErrFlowFinalized = errors.New("flow already finalized")

	// ErrFlowNotReady the flow is still a draft and cannot be executed.
	ErrFlowNotReady = errors.New("flow not finalized")
)

// Store is the durable repository for flow definitions. Read-mostly during
// execution; recording appends checkpoints and finalizes.
type Store interface {
	// Load returns the definition for id.
	Load(ctx context.Context, id string) (*Definition, error)

	// Save creates or replaces a draft definition.
	Save(ctx context.Context, def *Definition) error

	// AppendCheckpoint adds a checkpoint to a draft flow.
	AppendCheckpoint(ctx context.Context, flowID string, cp Checkpoint) error

	// Finalize transitions a draft flow to ready and bumps its version.
	Finalize(ctx context.Context, flowID string) error

	// List returns all definitions.
	List(ctx context.Context) ([]*Definition, error)

	// Delete removes a definition.
	Delete(ctx context.Context, flowID string) error
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Definition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string]*Definition)}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return def.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if existing, ok := s.flows[def.ID]; ok && existing.Status == StatusReady {
		return ErrFlowFinalized
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if def.Status == "" {
		def.Status = StatusDraft
	}
	s.flows[def.ID] = def.Clone()
	return nil
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, flowID string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.flows[flowID]
	if !ok {
		return ErrFlowNotFound
	}
	if def.Status == StatusReady {
		return ErrFlowFinalized
	}
	def.Checkpoints = append(def.Checkpoints, cp)
	def.UpdatedAt = time.Now()
	return def.Validate()
}

func (s *MemoryStore) Finalize(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.flows[flowID]
	if !ok {
		return ErrFlowNotFound
	}
	if def.Status == StatusReady {
		return ErrFlowFinalized
	}
	def.Status = StatusReady
	def.Version++
	def.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Definition, 0, len(s.flows))
	for _, def := range s.flows {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, flowID)
	return nil
}
