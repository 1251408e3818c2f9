package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/memforge/core/internal/graphstore"
)

// configDocKey is the single config_doc row's primary key.
const configDocKey = "memforge"

// GetConfigDoc implements [graphstore.GraphStore]. Before the document has
// ever been written, it returns the same defaults memstore ships with.
func (s *Store) GetConfigDoc(ctx context.Context) (graphstore.ConfigDoc, error) {
	const q = `SELECT value FROM config_doc WHERE key = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, configDocKey).Scan(&raw)
	if isNoRows(err) {
		return graphstore.ConfigDoc{DedupEnabled: true, DedupThreshold: 0.75, ResolverSemanticTier: 0.88}, nil
	}
	if err != nil {
		return graphstore.ConfigDoc{}, fmt.Errorf("postgres: get config doc: %w", err)
	}

	var doc graphstore.ConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return graphstore.ConfigDoc{}, fmt.Errorf("postgres: get config doc: unmarshal: %w", err)
	}
	return doc, nil
}

// PutConfigDoc implements [graphstore.GraphStore].
func (s *Store) PutConfigDoc(ctx context.Context, doc graphstore.ConfigDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: put config doc: marshal: %w", err)
	}

	const q = `
		INSERT INTO config_doc (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`

	if _, err := s.pool.Exec(ctx, q, configDocKey, payload); err != nil {
		return fmt.Errorf("postgres: put config doc: %w", err)
	}
	return nil
}
