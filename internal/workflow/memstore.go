package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/pravasi/model"
)

// MemoryStore is an in-memory Store for tests and single-instance runs.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]model.EntityWorkflowState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]model.EntityWorkflowState),
	}
}

// Create persists a new entity.
func (s *MemoryStore) Create(_ context.Context, state model.EntityWorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[state.EntityID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("entity %q already exists", state.EntityID),
		)
	}
	s.entities[state.EntityID] = state.Clone()
	return nil
}

// Get retrieves an entity by ID.
func (s *MemoryStore) Get(_ context.Context, entityID string) (model.EntityWorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.entities[entityID]
	if !exists {
		return model.EntityWorkflowState{}, model.NewEntityNotFoundError(entityID)
	}
	return state.Clone(), nil
}

// Update persists a transitioned state with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, state model.EntityWorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.entities[state.EntityID]
	if !exists {
		return model.NewEntityNotFoundError(state.EntityID)
	}
	if existing.Version != state.Version {
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d, got %d)", state.EntityID, state.Version, existing.Version),
		)
	}
	if len(state.History) < len(existing.History) {
		return model.NewConflictError(
			fmt.Sprintf("entity %q history is append-only", state.EntityID),
		)
	}

	next := state.Clone()
	next.Version++
	s.entities[state.EntityID] = next
	return nil
}

// ListByStages returns a machine's entities currently in one of stages.
func (s *MemoryStore) ListByStages(_ context.Context, machine string, stages []string) ([]model.EntityWorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.EntityWorkflowState{}
	for _, state := range s.entities {
		if state.MachineName != machine || !slices.Contains(stages, state.CurrentStateID) {
			continue
		}
		result = append(result, state.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EntityID < result[j].EntityID
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entities. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
