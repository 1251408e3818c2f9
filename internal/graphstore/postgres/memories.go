package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/memerr"
)

// CreateMemory implements [graphstore.GraphStore].
func (s *Store) CreateMemory(ctx context.Context, m graphstore.Memory) (graphstore.Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ExtractionStatus == "" {
		m.ExtractionStatus = graphstore.ExtractionUnstarted
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	const q = `
		INSERT INTO memories
		    (id, user_id, content, created_at, updated_at, invalid_at, tags, app_name,
		     categories, extraction_status, extraction_attempts, extraction_error,
		     resolved_at, supersedes_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, q,
		m.ID, m.UserID, m.Content, m.CreatedAt, m.UpdatedAt, m.InvalidAt, m.Tags, m.AppName,
		m.Categories, string(m.ExtractionStatus), m.ExtractionAttempts, m.ExtractionError,
		m.ResolvedAt, nullString(m.SupersedesID),
	)
	if err != nil {
		return graphstore.Memory{}, fmt.Errorf("postgres: create memory: %w", err)
	}
	if len(m.Embedding) > 0 {
		if err := s.SetMemoryEmbedding(ctx, m.UserID, m.ID, m.Embedding); err != nil {
			return graphstore.Memory{}, err
		}
	}
	return m, nil
}

// GetMemory implements [graphstore.GraphStore].
func (s *Store) GetMemory(ctx context.Context, userID, id string) (*graphstore.Memory, error) {
	const q = memorySelectColumns + `
		FROM   memories
		WHERE  id = $1 AND user_id = $2`

	rows, err := s.pool.Query(ctx, q, id, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	mems, err := collectMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	if len(mems) == 0 {
		return nil, memerr.ErrNotFound
	}
	return &mems[0], nil
}

// UpdateMemory implements [graphstore.GraphStore]. It replaces every mutable
// column with the caller-provided value; embeddings are updated separately
// via [Store.SetMemoryEmbedding] since most callers never touch them here.
func (s *Store) UpdateMemory(ctx context.Context, m graphstore.Memory) error {
	const q = `
		UPDATE memories
		SET    content = $3, updated_at = $4, invalid_at = $5, tags = $6, app_name = $7,
		       categories = $8, extraction_status = $9, extraction_attempts = $10,
		       extraction_error = $11, resolved_at = $12, supersedes_id = $13
		WHERE  id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q,
		m.ID, m.UserID, m.Content, m.UpdatedAt, m.InvalidAt, m.Tags, m.AppName,
		m.Categories, string(m.ExtractionStatus), m.ExtractionAttempts, m.ExtractionError,
		m.ResolvedAt, nullString(m.SupersedesID),
	)
	if err != nil {
		return fmt.Errorf("postgres: update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// InvalidateMemory implements [graphstore.GraphStore].
func (s *Store) InvalidateMemory(ctx context.Context, userID, id string, at time.Time) error {
	const q = `
		UPDATE memories
		SET    invalid_at = $3,
		       updated_at = GREATEST(updated_at, $3)
		WHERE  id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, id, userID, at)
	if err != nil {
		return fmt.Errorf("postgres: invalidate memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// SetExtractionStatus implements [graphstore.GraphStore].
func (s *Store) SetExtractionStatus(ctx context.Context, userID, id string, status graphstore.ExtractionStatus, attempts int, errMsg string) error {
	const q = `
		UPDATE memories
		SET    extraction_status = $3, extraction_attempts = $4, extraction_error = $5
		WHERE  id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, id, userID, string(status), attempts, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: set extraction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// SetMemoryEmbedding implements [graphstore.GraphStore].
func (s *Store) SetMemoryEmbedding(ctx context.Context, userID, id string, embedding []float32) error {
	const q = `UPDATE memories SET embedding = $3 WHERE id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, id, userID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: set memory embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

// RecentMemories implements [graphstore.GraphStore]. It excludes invalidated
// memories and excludeID, ordered newest first.
func (s *Store) RecentMemories(ctx context.Context, userID string, excludeID string, limit int) ([]graphstore.Memory, error) {
	args := []any{userID, excludeID}
	q := memorySelectColumns + `
		FROM   memories
		WHERE  user_id = $1 AND id != $2 AND invalid_at IS NULL
		ORDER  BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent memories: %w", err)
	}
	return collectMemories(rows)
}

// ListMemories implements [graphstore.GraphStore].
func (s *Store) ListMemories(ctx context.Context, userID string, filter graphstore.MemoryFilter, offset, limit int) ([]graphstore.Memory, int, error) {
	args := []any{userID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $1"}
	if !filter.IncludeInvalid {
		conditions = append(conditions, "invalid_at IS NULL")
	}
	if filter.Category != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM unnest(categories) c WHERE c ILIKE "+next(filter.Category)+")")
	}
	if filter.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE "+next(filter.Tag)+")")
	}
	if !filter.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.CreatedAfter))
	}

	where := "WHERE " + strings.Join(conditions, "\n  AND ")

	var total int
	countQ := "SELECT count(*) FROM memories\n" + where
	if err := s.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: list memories: count: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	q := memorySelectColumns + "\nFROM   memories\n" + where +
		fmt.Sprintf("\nORDER  BY created_at DESC\nLIMIT $%d OFFSET $%d", len(pageArgs)-1, len(pageArgs))

	rows, err := s.pool.Query(ctx, q, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list memories: %w", err)
	}
	mems, err := collectMemories(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list memories: %w", err)
	}
	return mems, total, nil
}

// --- Categories ---

// EnsureCategories implements [graphstore.GraphStore].
func (s *Store) EnsureCategories(ctx context.Context, userID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	const q = `
		INSERT INTO categories (user_id, name)
		VALUES ($1, $2)
		ON CONFLICT (user_id, name) DO NOTHING`

	batch := &pgx.Batch{}
	for _, n := range names {
		batch.Queue(q, userID, strings.ToLower(n))
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range names {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: ensure categories: %w", err)
		}
	}
	return nil
}

// LinkMemoryCategories implements [graphstore.GraphStore]. It appends names
// to the memory's categories array, skipping case-insensitive duplicates.
func (s *Store) LinkMemoryCategories(ctx context.Context, userID, memoryID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	const q = `
		UPDATE memories
		SET    categories = categories || (
		           SELECT coalesce(array_agg(n), '{}')
		           FROM   unnest($3::text[]) n
		           WHERE  NOT EXISTS (
		               SELECT 1 FROM unnest(categories) c WHERE lower(c) = lower(n)
		           )
		       )
		WHERE  id = $1 AND user_id = $2`

	tag, err := s.pool.Exec(ctx, q, memoryID, userID, names)
	if err != nil {
		return fmt.Errorf("postgres: link memory categories: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memerr.ErrNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
