package postgres

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memforge/core/internal/graphstore"
)

// LexicalSearch implements [graphstore.GraphStore]. It ranks candidates with
// Postgres full-text search against the idx_memories_fts index declared in
// schema.go, the BM25-like half of the hybrid searcher's fusion step.
func (s *Store) LexicalSearch(ctx context.Context, userID, query string, limit int) ([]graphstore.LexicalHit, error) {
	const q = `
		SELECT id, ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) AS score
		FROM   memories
		WHERE  user_id = $1 AND invalid_at IS NULL
		       AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		ORDER  BY score DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	defer rows.Close()

	var out []graphstore.LexicalHit
	rank := 0
	for rows.Next() {
		rank++
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("postgres: lexical search: scan: %w", err)
		}
		out = append(out, graphstore.LexicalHit{MemoryID: id, Rank: rank, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	return out, nil
}

// VectorSearchMemories implements [graphstore.GraphStore]. It ranks by
// ascending cosine distance and reports similarity (1 - distance), the
// vector half of the hybrid searcher's fusion step.
func (s *Store) VectorSearchMemories(ctx context.Context, userID string, query []float32, limit int) ([]graphstore.VectorHit, error) {
	const q = `
		SELECT id, 1 - (embedding <=> $2) AS score
		FROM   memories
		WHERE  user_id = $1 AND invalid_at IS NULL AND embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search memories: %w", err)
	}
	defer rows.Close()

	var out []graphstore.VectorHit
	rank := 0
	for rows.Next() {
		rank++
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("postgres: vector search memories: scan: %w", err)
		}
		out = append(out, graphstore.VectorHit{MemoryID: id, Rank: rank, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search memories: %w", err)
	}
	return out, nil
}
