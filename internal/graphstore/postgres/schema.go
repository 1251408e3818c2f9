// Package postgres provides a pgx/pgvector-backed implementation of
// [graphstore.GraphStore]: memories, entities, relationships, mentions,
// categories, the access log, and the single configuration document all
// live in one PostgreSQL database.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id                   TEXT         PRIMARY KEY,
    user_id              TEXT         NOT NULL,
    content              TEXT         NOT NULL,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    invalid_at           TIMESTAMPTZ,
    tags                 TEXT[]       NOT NULL DEFAULT '{}',
    app_name             TEXT         NOT NULL DEFAULT '',
    categories           TEXT[]       NOT NULL DEFAULT '{}',
    extraction_status    TEXT         NOT NULL DEFAULT 'unstarted',
    extraction_attempts  INT          NOT NULL DEFAULT 0,
    extraction_error     TEXT         NOT NULL DEFAULT '',
    resolved_at          TIMESTAMPTZ,
    supersedes_id        TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories (user_id);
CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_memories_categories ON memories USING GIN (categories);
CREATE INDEX IF NOT EXISTS idx_memories_fts
    ON memories USING GIN (to_tsvector('english', content));
`

const ddlCategories = `
CREATE TABLE IF NOT EXISTS categories (
    user_id TEXT NOT NULL,
    name    TEXT NOT NULL,
    PRIMARY KEY (user_id, name)
);
`

const ddlEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    name             TEXT         NOT NULL,
    normalized_name  TEXT         NOT NULL,
    type             TEXT         NOT NULL,
    description      TEXT         NOT NULL DEFAULT '',
    metadata         JSONB        NOT NULL DEFAULT '{}',
    mention_count    INT          NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (user_id, normalized_name)
);

CREATE INDEX IF NOT EXISTS idx_entities_user_type ON entities (user_id, type);
`

const ddlRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
    user_id     TEXT         NOT NULL,
    source_id   TEXT         NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    target_id   TEXT         NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    type        TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, type)
);

CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships (source_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships (target_id);
`

const ddlMentions = `
CREATE TABLE IF NOT EXISTS mentions (
    user_id   TEXT NOT NULL,
    memory_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    PRIMARY KEY (memory_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_mentions_entity ON mentions (entity_id);
`

const ddlAccessLog = `
CREATE TABLE IF NOT EXISTS access_log (
    user_id   TEXT NOT NULL,
    app_name  TEXT NOT NULL,
    memory_id TEXT NOT NULL,
    count     INT         NOT NULL DEFAULT 0,
    last_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, app_name, memory_id)
);
`

const ddlConfigDoc = `
CREATE TABLE IF NOT EXISTS config_doc (
    key   TEXT  PRIMARY KEY,
    value JSONB NOT NULL
);
`

// ddlVectors returns the pgvector extension and vector-column DDL with the
// embedding dimension substituted. The dimension is baked into the column
// type at creation time.
func ddlVectors(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding vector(%[1]d);
ALTER TABLE entities ADD COLUMN IF NOT EXISTS description_embedding vector(%[1]d);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING hnsw (description_embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every process start.
//
// embeddingDimensions must match the configured embedding provider's output
// width (e.g. 1536 for OpenAI text-embedding-3-small). Changing it after the
// first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlMemories,
		ddlCategories,
		ddlEntities,
		ddlRelationships,
		ddlMentions,
		ddlAccessLog,
		ddlConfigDoc,
		ddlVectors(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
