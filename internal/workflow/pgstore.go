package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pravasi/internal/config"
	"github.com/pitabwire/pravasi/model"
)

//go:embed schema.sql
var schemaSQL string

// OpenPool connects a pgx pool for the entity store. Queries are traced
// through OpenTelemetry.
func OpenPool(ctx context.Context, dsn string, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// PgStore is a PostgreSQL-backed Store using pgx/v5. State rows live in
// entity_workflow_states; history is one row per transition in
// entity_workflow_history.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the store's tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create entity workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new entity and any history it already carries.
func (s *PgStore) Create(ctx context.Context, state model.EntityWorkflowState) error {
	links, err := marshalLinks(state.Links)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO entity_workflow_states (
				entity_id, machine, current_state, entered_at, created_at,
				policy_key, links, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entity_id) DO NOTHING`,
			state.EntityID, state.MachineName, state.CurrentStateID, state.EnteredAt, state.CreatedAt,
			state.PolicyKey, links, state.Version,
		)
		if err != nil {
			return fmt.Errorf("insert entity workflow state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(fmt.Sprintf("entity %q already exists", state.EntityID))
		}
		return insertHistory(ctx, tx, state.EntityID, 0, state.History)
	})
}

// Get retrieves an entity and its ordered history.
func (s *PgStore) Get(ctx context.Context, entityID string) (model.EntityWorkflowState, error) {
	var (
		state model.EntityWorkflowState
		links []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, machine, current_state, entered_at, created_at,
		       policy_key, links, version
		FROM entity_workflow_states
		WHERE entity_id = $1`,
		entityID,
	).Scan(
		&state.EntityID, &state.MachineName, &state.CurrentStateID, &state.EnteredAt, &state.CreatedAt,
		&state.PolicyKey, &links, &state.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EntityWorkflowState{}, model.NewEntityNotFoundError(entityID)
	}
	if err != nil {
		return model.EntityWorkflowState{}, fmt.Errorf("query entity workflow state: %w", err)
	}
	if state.Links, err = unmarshalLinks(links); err != nil {
		return model.EntityWorkflowState{}, err
	}

	history, err := s.history(ctx, []string{entityID})
	if err != nil {
		return model.EntityWorkflowState{}, err
	}
	state.History = history[entityID]
	if state.History == nil {
		state.History = []model.HistoryEntry{}
	}
	return state, nil
}

// Update persists a transitioned state with optimistic locking and appends
// the new history rows in the same transaction.
func (s *PgStore) Update(ctx context.Context, state model.EntityWorkflowState) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE entity_workflow_states SET
				current_state = $1,
				entered_at = $2,
				version = $3
			WHERE entity_id = $4 AND version = $5`,
			state.CurrentStateID, state.EnteredAt, state.Version+1,
			state.EntityID, state.Version,
		)
		if err != nil {
			return fmt.Errorf("update entity workflow state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM entity_workflow_states WHERE entity_id = $1)`,
				state.EntityID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check entity workflow state: %w", err)
			}
			if !exists {
				return model.NewEntityNotFoundError(state.EntityID)
			}
			return model.NewConflictError(
				fmt.Sprintf("entity %q version conflict (expected %d)", state.EntityID, state.Version),
			)
		}

		var stored int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM entity_workflow_history WHERE entity_id = $1`,
			state.EntityID,
		).Scan(&stored); err != nil {
			return fmt.Errorf("count entity workflow history: %w", err)
		}
		if stored > len(state.History) {
			return model.NewConflictError(fmt.Sprintf("entity %q history is append-only", state.EntityID))
		}
		return insertHistory(ctx, tx, state.EntityID, stored, state.History[stored:])
	})
}

// ListByStages returns a machine's entities currently in one of stages.
func (s *PgStore) ListByStages(ctx context.Context, machine string, stages []string) ([]model.EntityWorkflowState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, machine, current_state, entered_at, created_at,
		       policy_key, links, version
		FROM entity_workflow_states
		WHERE machine = $1 AND current_state = ANY($2)
		ORDER BY entity_id`,
		machine, stages,
	)
	if err != nil {
		return nil, fmt.Errorf("query entity workflow states: %w", err)
	}
	defer rows.Close()

	states := []model.EntityWorkflowState{}
	ids := []string{}
	for rows.Next() {
		var (
			state model.EntityWorkflowState
			links []byte
		)
		if err := rows.Scan(
			&state.EntityID, &state.MachineName, &state.CurrentStateID, &state.EnteredAt, &state.CreatedAt,
			&state.PolicyKey, &links, &state.Version,
		); err != nil {
			return nil, fmt.Errorf("scan entity workflow state: %w", err)
		}
		if state.Links, err = unmarshalLinks(links); err != nil {
			return nil, err
		}
		states = append(states, state)
		ids = append(ids, state.EntityID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return states, nil
	}

	history, err := s.history(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range states {
		states[i].History = history[states[i].EntityID]
		if states[i].History == nil {
			states[i].History = []model.HistoryEntry{}
		}
	}
	return states, nil
}

// history loads the ordered history of each entity.
func (s *PgStore) history(ctx context.Context, ids []string) (map[string][]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, from_state, to_state, changed_at, changed_by
		FROM entity_workflow_history
		WHERE entity_id = ANY($1)
		ORDER BY entity_id, seq`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query entity workflow history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.HistoryEntry, len(ids))
	for rows.Next() {
		var (
			id string
			h  model.HistoryEntry
		)
		if err := rows.Scan(&id, &h.FromState, &h.ToState, &h.ChangedAt, &h.ChangedBy); err != nil {
			return nil, fmt.Errorf("scan entity workflow history: %w", err)
		}
		out[id] = append(out[id], h)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, entityID string, from int, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, h := range entries {
		batch.Queue(`
			INSERT INTO entity_workflow_history (
				entity_id, seq, from_state, to_state, changed_at, changed_by
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			entityID, from+i, h.FromState, h.ToState, h.ChangedAt, h.ChangedBy,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert entity workflow history: %w", err)
	}
	return nil
}

func marshalLinks(links map[string]string) ([]byte, error) {
	if len(links) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("marshal links: %w", err)
	}
	return data, nil
}

func unmarshalLinks(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var links map[string]string
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("unmarshal links: %w", err)
	}
	return links, nil
}
