package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memforge/core/internal/graphstore"
)

// memorySelectColumns is the shared column list for every query that
// returns full Memory rows, kept in one place so the projection and
// [collectMemories]'s Scan order never drift apart.
const memorySelectColumns = `
	SELECT id, user_id, content, created_at, updated_at, invalid_at, tags, app_name,
	       categories, extraction_status, extraction_attempts, extraction_error,
	       embedding, resolved_at, supersedes_id`

// collectMemories scans pgx rows produced by a memorySelectColumns query.
func collectMemories(rows pgx.Rows) ([]graphstore.Memory, error) {
	mems, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graphstore.Memory, error) {
		var (
			m            graphstore.Memory
			status       string
			embedding    *pgvector.Vector
			supersedesID *string
		)
		if err := row.Scan(
			&m.ID, &m.UserID, &m.Content, &m.CreatedAt, &m.UpdatedAt, &m.InvalidAt, &m.Tags, &m.AppName,
			&m.Categories, &status, &m.ExtractionAttempts, &m.ExtractionError,
			&embedding, &m.ResolvedAt, &supersedesID,
		); err != nil {
			return graphstore.Memory{}, err
		}
		m.ExtractionStatus = graphstore.ExtractionStatus(status)
		if embedding != nil {
			m.Embedding = embedding.Slice()
		}
		if supersedesID != nil {
			m.SupersedesID = *supersedesID
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}
	if mems == nil {
		mems = []graphstore.Memory{}
	}
	return mems, nil
}

// entitySelectColumns is the shared column list for every query returning
// full Entity rows.
const entitySelectColumns = `
	SELECT id, user_id, name, normalized_name, type, description, metadata,
	       description_embedding, mention_count, created_at, updated_at`

// collectEntities scans pgx rows produced by an entitySelectColumns query.
func collectEntities(rows pgx.Rows) ([]graphstore.Entity, error) {
	ents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graphstore.Entity, error) {
		var (
			e         graphstore.Entity
			metaJSON  []byte
			embedding *pgvector.Vector
		)
		if err := row.Scan(
			&e.ID, &e.UserID, &e.Name, &e.NormalizedName, &e.Type, &e.Description, &metaJSON,
			&embedding, &e.MentionCount, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return graphstore.Entity{}, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return graphstore.Entity{}, fmt.Errorf("unmarshal entity metadata: %w", err)
			}
		}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		if embedding != nil {
			e.DescriptionEmbedding = embedding.Slice()
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	if ents == nil {
		ents = []graphstore.Entity{}
	}
	return ents, nil
}

// relationshipSelectColumns is the shared column list for every query
// returning full Relationship rows.
const relationshipSelectColumns = `
	SELECT source_id, target_id, type, description, metadata, created_at, updated_at`

// collectRelationships scans pgx rows produced by a relationshipSelectColumns query.
func collectRelationships(rows pgx.Rows) ([]graphstore.Relationship, error) {
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graphstore.Relationship, error) {
		var (
			r        graphstore.Relationship
			metaJSON []byte
		)
		if err := row.Scan(
			&r.SourceID, &r.TargetID, &r.Type, &r.Description, &metaJSON, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return graphstore.Relationship{}, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return graphstore.Relationship{}, fmt.Errorf("unmarshal relationship metadata: %w", err)
			}
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan relationships: %w", err)
	}
	if rels == nil {
		rels = []graphstore.Relationship{}
	}
	return rels, nil
}
