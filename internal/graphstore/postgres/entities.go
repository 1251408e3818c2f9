package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/memerr"
)

// FindEntityByNormalizedName implements [graphstore.GraphStore]. It is the
// resolver's tier-1 exact-match lookup.
func (s *Store) FindEntityByNormalizedName(ctx context.Context, userID, normalizedName string) (*graphstore.Entity, error) {
	const q = entitySelectColumns + `
		FROM   entities
		WHERE  user_id = $1 AND normalized_name = $2`

	rows, err := s.pool.Query(ctx, q, userID, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("postgres: find entity by normalized name: %w", err)
	}
	ents, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: find entity by normalized name: %w", err)
	}
	if len(ents) == 0 {
		return nil, memerr.ErrNotFound
	}
	return &ents[0], nil
}

// FindEntitiesByType implements [graphstore.GraphStore]. It is the
// resolver's tier-2 person-alias candidate pool. An empty typ matches
// every type.
func (s *Store) FindEntitiesByType(ctx context.Context, userID, typ string) ([]graphstore.Entity, error) {
	var (
		q    string
		args []any
	)
	if typ == "" {
		q = entitySelectColumns + "\nFROM entities\nWHERE user_id = $1"
		args = []any{userID}
	} else {
		q = entitySelectColumns + "\nFROM entities\nWHERE user_id = $1 AND type = $2"
		args = []any{userID, typ}
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find entities by type: %w", err)
	}
	return collectEntities(rows)
}

// FindEntities implements [graphstore.GraphStore].
func (s *Store) FindEntities(ctx context.Context, userID string, filter graphstore.EntityFilter) ([]graphstore.Entity, error) {
	args := []any{userID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $1"}
	if filter.Type != "" {
		conditions = append(conditions, "type = "+next(filter.Type))
	}
	if filter.Query != "" {
		conditions = append(conditions, "(name ILIKE "+next("%"+filter.Query+"%")+" OR description ILIKE "+next("%"+filter.Query+"%")+")")
	}

	q := entitySelectColumns + "\nFROM entities\nWHERE " + joinAnd(conditions) + "\nORDER BY name"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find entities: %w", err)
	}
	return collectEntities(rows)
}

// BatchFindByNormalizedNames implements [graphstore.GraphStore]. It is the
// extraction worker's batch resolve step: one round trip for many
// normalized names instead of N.
func (s *Store) BatchFindByNormalizedNames(ctx context.Context, userID string, normalizedNames []string) (map[string]graphstore.Entity, error) {
	out := make(map[string]graphstore.Entity)
	if len(normalizedNames) == 0 {
		return out, nil
	}

	const q = entitySelectColumns + `
		FROM   entities
		WHERE  user_id = $1 AND normalized_name = ANY($2::text[])`

	rows, err := s.pool.Query(ctx, q, userID, normalizedNames)
	if err != nil {
		return nil, fmt.Errorf("postgres: batch find by normalized names: %w", err)
	}
	ents, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: batch find by normalized names: %w", err)
	}
	for _, e := range ents {
		out[e.NormalizedName] = e
	}
	return out, nil
}

// GetEntity implements [graphstore.GraphStore].
func (s *Store) GetEntity(ctx context.Context, userID, id string) (*graphstore.Entity, error) {
	const q = entitySelectColumns + `
		FROM   entities
		WHERE  id = $1 AND user_id = $2`

	rows, err := s.pool.Query(ctx, q, id, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity: %w", err)
	}
	ents, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity: %w", err)
	}
	if len(ents) == 0 {
		return nil, memerr.ErrNotFound
	}
	return &ents[0], nil
}

// MergeEntity implements [graphstore.GraphStore]. It performs the resolver's
// find-or-create MERGE on (userID, normalizedName) as a single INSERT ...
// ON CONFLICT DO UPDATE ... RETURNING round trip: concurrent callers
// serialize on the unique (user_id, normalized_name) index and every one of
// them gets back the same authoritative row.
//
// The DO UPDATE clause is a no-op write (it reassigns updated_at to its
// current value) purely so RETURNING fires on the conflict path too; it
// must never overwrite an existing entity's fields, since the resolver
// layers type/description/metadata promotion on top of whatever row comes
// back from here.
func (s *Store) MergeEntity(ctx context.Context, e graphstore.Entity) (graphstore.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return graphstore.Entity{}, fmt.Errorf("postgres: merge entity: marshal metadata: %w", err)
	}

	const insert = `
		INSERT INTO entities
		    (id, user_id, name, normalized_name, type, description, metadata, created_at, updated_at, mention_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), 0)
		ON CONFLICT (user_id, normalized_name) DO UPDATE SET
		    updated_at = entities.updated_at
		RETURNING id, user_id, name, normalized_name, type, description, metadata,
		          description_embedding, mention_count, created_at, updated_at`

	rows, err := s.pool.Query(ctx, insert, e.ID, e.UserID, e.Name, e.NormalizedName, e.Type, e.Description, metaJSON)
	if err != nil {
		return graphstore.Entity{}, fmt.Errorf("postgres: merge entity: %w", err)
	}
	ents, err := collectEntities(rows)
	if err != nil {
		return graphstore.Entity{}, fmt.Errorf("postgres: merge entity: %w", err)
	}
	if len(ents) == 0 {
		return graphstore.Entity{}, fmt.Errorf("postgres: merge entity: no row returned")
	}
	return ents[0], nil
}

// UpdateEntity implements [graphstore.GraphStore]. It replaces every mutable
// field, matching the resolver's read-modify-write promotion pattern
// (type rank, description length, metadata merge).
func (s *Store) UpdateEntity(ctx context.Context, e graphstore.Entity) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: update entity: marshal metadata: %w", err)
	}

	const q = `
		UPDATE entities
		SET    name = $3, type = $4, description = $5, metadata = $6,
		       mention_count = $7, updated_at = now()
		WHERE  id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, e.ID, e.UserID, e.Name, e.Type, e.Description, metaJSON, e.MentionCount)
	if err != nil {
		return fmt.Errorf("postgres: update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// SetEntityEmbedding implements [graphstore.GraphStore].
func (s *Store) SetEntityEmbedding(ctx context.Context, userID, id string, embedding []float32) error {
	const q = `UPDATE entities SET description_embedding = $3 WHERE id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, id, userID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: set entity embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// DeleteEntity implements [graphstore.GraphStore]. Relationships and
// mentions referencing id cascade via the foreign keys declared in schema.go.
func (s *Store) DeleteEntity(ctx context.Context, userID, id string) error {
	const q = `DELETE FROM entities WHERE id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// SearchEntitiesByVector implements [graphstore.GraphStore]. It ranks
// entities by ascending cosine distance to query and converts distance to a
// similarity score (1 - distance), consistent with the rest of the hybrid
// search surface treating higher scores as better matches.
func (s *Store) SearchEntitiesByVector(ctx context.Context, userID string, query []float32, limit int) ([]graphstore.EntityVectorHit, error) {
	const query2 = `
		SELECT id, user_id, name, normalized_name, type, description, metadata,
		       description_embedding, mention_count, created_at, updated_at,
		       description_embedding <=> $1 AS distance
		FROM   entities
		WHERE  user_id = $2 AND description_embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, query2, pgvector.NewVector(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search entities by vector: %w", err)
	}
	defer rows.Close()

	var hits []graphstore.EntityVectorHit
	for rows.Next() {
		var (
			e         graphstore.Entity
			metaJSON  []byte
			embedding *pgvector.Vector
			distance  float64
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Name, &e.NormalizedName, &e.Type, &e.Description, &metaJSON,
			&embedding, &e.MentionCount, &e.CreatedAt, &e.UpdatedAt, &distance,
		); err != nil {
			return nil, fmt.Errorf("postgres: search entities by vector: scan: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: search entities by vector: unmarshal metadata: %w", err)
			}
		}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		if embedding != nil {
			e.DescriptionEmbedding = embedding.Slice()
		}
		hits = append(hits, graphstore.EntityVectorHit{Entity: e, Similarity: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: search entities by vector: %w", err)
	}
	return hits, nil
}

func joinAnd(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += "\n  AND " + c
	}
	return out
}
