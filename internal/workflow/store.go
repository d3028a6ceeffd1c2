package workflow

import (
	"context"

	"github.com/pitabwire/pravasi/model"
)

// Store persists entity workflow state and its history.
type Store interface {
	// Create persists a new entity. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, state model.EntityWorkflowState) error

	// Get retrieves an entity with its full history. Returns
	// ENTITY_NOT_FOUND if it does not exist.
	Get(ctx context.Context, entityID string) (model.EntityWorkflowState, error)

	// Update persists a transitioned state with optimistic locking. The
	// state's version must match the stored version; on success the stored
	// version is incremented. History entries past the stored ones are
	// appended. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, state model.EntityWorkflowState) error

	// ListByStages returns the entities of a machine whose current stage is
	// one of stages, ordered by entity ID.
	ListByStages(ctx context.Context, machine string, stages []string) ([]model.EntityWorkflowState, error)
}
