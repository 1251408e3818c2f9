package postgres

import (
	"context"
	"fmt"

	"github.com/memforge/core/internal/graphstore"
)

// LinkMention implements [graphstore.GraphStore]. It is idempotent: a memory
// mentioning the same entity twice leaves a single row, and the entity's
// mention_count is bumped only when a new row was actually inserted.
func (s *Store) LinkMention(ctx context.Context, userID, memoryID, entityID string) error {
	const q = `
		WITH inserted AS (
		    INSERT INTO mentions (user_id, memory_id, entity_id)
		    VALUES ($1, $2, $3)
		    ON CONFLICT (memory_id, entity_id) DO NOTHING
		    RETURNING entity_id
		)
		UPDATE entities
		SET    mention_count = mention_count + 1
		WHERE  id IN (SELECT entity_id FROM inserted)`

	if _, err := s.pool.Exec(ctx, q, userID, memoryID, entityID); err != nil {
		return fmt.Errorf("postgres: link mention: %w", err)
	}
	return nil
}

// EntitiesForMemory implements [graphstore.GraphStore].
func (s *Store) EntitiesForMemory(ctx context.Context, userID, memoryID string, limit int) ([]graphstore.Entity, error) {
	args := []any{userID, memoryID}
	q := entitySelectColumns + `
		FROM   entities
		WHERE  user_id = $1 AND id IN (SELECT entity_id FROM mentions WHERE memory_id = $2)
		ORDER  BY name`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: entities for memory: %w", err)
	}
	return collectEntities(rows)
}

// MemoryCountForEntity implements [graphstore.GraphStore].
func (s *Store) MemoryCountForEntity(ctx context.Context, userID, entityID string) (int, error) {
	const q = `SELECT count(*) FROM mentions WHERE user_id = $1 AND entity_id = $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, userID, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: memory count for entity: %w", err)
	}
	return n, nil
}
