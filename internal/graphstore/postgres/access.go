package postgres

import (
	"context"
	"fmt"
	"time"
)

// RecordAccess implements [graphstore.GraphStore]. Each call increments the
// (userID, appName, memoryID) counter by exactly one and advances last_at to
// at.
func (s *Store) RecordAccess(ctx context.Context, userID, appName, memoryID string, at time.Time) error {
	const q = `
		INSERT INTO access_log (user_id, app_name, memory_id, count, last_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (user_id, app_name, memory_id) DO UPDATE SET
		    count   = access_log.count + 1,
		    last_at = $4`

	if _, err := s.pool.Exec(ctx, q, userID, appName, memoryID, at); err != nil {
		return fmt.Errorf("postgres: record access: %w", err)
	}
	return nil
}

// AccessCount exposes the recorded access count for tests asserting
// idempotence/round-trip properties, mirroring memstore's test helper of the
// same name.
func (s *Store) AccessCount(ctx context.Context, userID, appName, memoryID string) (int, error) {
	const q = `SELECT count FROM access_log WHERE user_id = $1 AND app_name = $2 AND memory_id = $3`

	var n int
	err := s.pool.QueryRow(ctx, q, userID, appName, memoryID).Scan(&n)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: access count: %w", err)
	}
	return n, nil
}
