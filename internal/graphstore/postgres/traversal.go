package postgres

import (
	"context"
	"fmt"

	"github.com/memforge/core/internal/graphstore"
)

// Neighbors implements [graphstore.GraphStore]. It expands the frontier one
// hop at a time with a small round trip per hop rather than a single
// recursive query, keeping the per-hop relationship-type and node-type
// filters simple SQL instead of a recursive CTE with variable predicates.
func (s *Store) Neighbors(ctx context.Context, userID, id string, hops int, opts ...graphstore.TraversalOpt) ([]graphstore.Entity, error) {
	o := graphstore.ResolveTraversalOpts(opts...)

	visited := map[string]bool{id: true}
	frontier := []string{id}

	for h := 0; h < hops && len(frontier) > 0; h++ {
		next, err := s.expandFrontier(ctx, userID, frontier, o.RelTypes)
		if err != nil {
			return nil, err
		}
		var fresh []string
		for _, n := range next {
			if !visited[n] {
				visited[n] = true
				fresh = append(fresh, n)
			}
		}
		frontier = fresh
	}
	delete(visited, id)

	if len(visited) == 0 {
		return []graphstore.Entity{}, nil
	}
	ids := make([]string, 0, len(visited))
	for eid := range visited {
		ids = append(ids, eid)
	}

	args := []any{userID, ids}
	q := entitySelectColumns + "\nFROM entities\nWHERE user_id = $1 AND id = ANY($2::text[])"
	if len(o.NodeTypes) > 0 {
		args = append(args, o.NodeTypes)
		q += fmt.Sprintf("\n  AND type = ANY($%d::text[])", len(args))
	}
	q += "\nORDER BY name"
	if o.MaxNodes > 0 {
		args = append(args, o.MaxNodes)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: neighbors: %w", err)
	}
	return collectEntities(rows)
}

// expandFrontier returns the ids reachable in one hop from frontier, in
// either direction, restricted to relTypes when non-empty.
func (s *Store) expandFrontier(ctx context.Context, userID string, frontier []string, relTypes []string) ([]string, error) {
	args := []any{userID, frontier}
	q := `
		SELECT target_id AS id FROM relationships
		WHERE  user_id = $1 AND source_id = ANY($2::text[])`
	if len(relTypes) > 0 {
		args = append(args, relTypes)
		q += fmt.Sprintf("\n  AND type = ANY($%d::text[])", len(args))
	}
	q += `
		UNION
		SELECT source_id AS id FROM relationships
		WHERE  user_id = $1 AND target_id = ANY($2::text[])`
	if len(relTypes) > 0 {
		q += fmt.Sprintf("\n  AND type = ANY($%d::text[])", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: expand frontier: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: expand frontier: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Subgraph implements [graphstore.GraphStore]: id's neighborhood plus every
// edge with both endpoints inside {id} ∪ neighborhood.
func (s *Store) Subgraph(ctx context.Context, userID, id string, hops int, opts ...graphstore.TraversalOpt) ([]graphstore.Entity, []graphstore.Relationship, error) {
	neighbors, err := s.Neighbors(ctx, userID, id, hops, opts...)
	if err != nil {
		return nil, nil, err
	}

	members := make([]string, 0, len(neighbors)+1)
	members = append(members, id)
	for _, e := range neighbors {
		members = append(members, e.ID)
	}

	const q = relationshipSelectColumns + `
		FROM   relationships
		WHERE  user_id = $1 AND source_id = ANY($2::text[]) AND target_id = ANY($2::text[])`

	rows, err := s.pool.Query(ctx, q, userID, members)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: subgraph: %w", err)
	}
	rels, err := collectRelationships(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: subgraph: %w", err)
	}
	return neighbors, rels, nil
}
