package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memforge/core/internal/graphstore"
)

// UpsertRelationship implements [graphstore.GraphStore]. The edge's owner is
// derived from its source entity rather than taken as a parameter, matching
// the interface's signature; source and target are always entities of the
// same user, enforced by the resolver above this layer.
//
// On conflict the longer of the two descriptions wins (ties keep the stored
// one) and nil incoming metadata leaves the stored metadata untouched,
// mirroring memstore's merge rule.
func (s *Store) UpsertRelationship(ctx context.Context, r graphstore.Relationship) error {
	var metaJSON []byte
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: upsert relationship: marshal metadata: %w", err)
		}
		metaJSON = b
	}

	const q = `
		INSERT INTO relationships (user_id, source_id, target_id, type, description, metadata, created_at, updated_at)
		VALUES ((SELECT user_id FROM entities WHERE id = $1), $1, $2, $3, $4, COALESCE($5, '{}'::jsonb), now(), now())
		ON CONFLICT (source_id, target_id, type) DO UPDATE SET
		    description = CASE WHEN length(EXCLUDED.description) > length(relationships.description)
		                        THEN EXCLUDED.description ELSE relationships.description END,
		    metadata    = COALESCE($5, relationships.metadata),
		    updated_at  = now()`

	if _, err := s.pool.Exec(ctx, q, r.SourceID, r.TargetID, r.Type, r.Description, metaJSON); err != nil {
		return fmt.Errorf("postgres: upsert relationship: %w", err)
	}
	return nil
}

// GetRelationships implements [graphstore.GraphStore].
func (s *Store) GetRelationships(ctx context.Context, userID, entityID string, opts ...graphstore.RelQueryOpt) ([]graphstore.Relationship, error) {
	o := graphstore.ResolveRelOpts(opts...)

	args := []any{userID, entityID}
	var dirConds []string
	if o.Outgoing {
		dirConds = append(dirConds, "source_id = $2")
	}
	if o.Incoming {
		dirConds = append(dirConds, "target_id = $2")
	}
	conditions := []string{"user_id = $1", "(" + strings.Join(dirConds, " OR ") + ")"}

	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(o.Types) > 0 {
		conditions = append(conditions, "type = ANY("+next(o.Types)+"::text[])")
	}

	q := relationshipSelectColumns + "\nFROM relationships\nWHERE " + joinAnd(conditions) + "\nORDER BY updated_at DESC"
	if o.LimitCount > 0 {
		args = append(args, o.LimitCount)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get relationships: %w", err)
	}
	return collectRelationships(rows)
}

// DeleteRelationship implements [graphstore.GraphStore].
func (s *Store) DeleteRelationship(ctx context.Context, userID, sourceID, targetID, typ string) error {
	const q = `DELETE FROM relationships WHERE user_id = $1 AND source_id = $2 AND target_id = $3 AND type = $4`

	if _, err := s.pool.Exec(ctx, q, userID, sourceID, targetID, typ); err != nil {
		return fmt.Errorf("postgres: delete relationship: %w", err)
	}
	return nil
}

// DeleteRelationshipsForEntity implements [graphstore.GraphStore]. It removes
// every edge touching entityID in either direction, used ahead of
// [Store.DeleteEntity] calls that expect the foreign-key cascade to have
// nothing left to clean up.
func (s *Store) DeleteRelationshipsForEntity(ctx context.Context, userID, entityID string) error {
	const q = `DELETE FROM relationships WHERE user_id = $1 AND (source_id = $2 OR target_id = $2)`

	if _, err := s.pool.Exec(ctx, q, userID, entityID); err != nil {
		return fmt.Errorf("postgres: delete relationships for entity: %w", err)
	}
	return nil
}
