// Package memstore provides an in-process fake of [graphstore.GraphStore]
// for unit tests. It is not an optimized implementation — most operations are
// O(n) scans over a mutex-guarded map — but it enforces the same user-scoping
// and uniqueness invariants the Postgres-backed store enforces, so tests that
// exercise the resolver, ingestion pipeline, or hybrid searcher against it
// catch real scoping bugs.
package memstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/memerr"
)

// Store is an in-memory [graphstore.GraphStore].
type Store struct {
	mu sync.RWMutex

	memories      map[string]graphstore.Memory
	entities      map[string]graphstore.Entity
	relationships map[string]graphstore.Relationship // keyed by source|target|type
	mentions      map[string]map[string]bool         // memoryID -> entityID set
	categories    map[string]map[string]bool         // userID -> category name set
	access        map[string]accessRecord            // userID|appName|memoryID -> record
	config        graphstore.ConfigDoc
	configSet     bool
}

type accessRecord struct {
	count  int
	lastAt time.Time
}

// New returns an empty, ready-to-use Store.
func New() *Store {
	return &Store{
		memories:      make(map[string]graphstore.Memory),
		entities:      make(map[string]graphstore.Entity),
		relationships: make(map[string]graphstore.Relationship),
		mentions:      make(map[string]map[string]bool),
		categories:    make(map[string]map[string]bool),
		access:        make(map[string]accessRecord),
	}
}

var _ graphstore.GraphStore = (*Store)(nil)

func relKey(source, target, typ string) string { return source + "|" + target + "|" + typ }

// --- Memory CRUD ---

func (s *Store) CreateMemory(_ context.Context, m graphstore.Memory) (graphstore.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ExtractionStatus == "" {
		m.ExtractionStatus = graphstore.ExtractionUnstarted
	}
	s.memories[m.ID] = m
	return m, nil
}

func (s *Store) GetMemory(_ context.Context, userID, id string) (*graphstore.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok || m.UserID != userID {
		return nil, memerr.ErrNotFound
	}
	cp := m
	return &cp, nil
}

func (s *Store) UpdateMemory(_ context.Context, m graphstore.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.memories[m.ID]
	if !ok || existing.UserID != m.UserID {
		return memerr.ErrNotFound
	}
	s.memories[m.ID] = m
	return nil
}

func (s *Store) InvalidateMemory(_ context.Context, userID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.UserID != userID {
		return memerr.ErrNotFound
	}
	m.InvalidAt = &at
	if at.After(m.UpdatedAt) {
		m.UpdatedAt = at
	}
	s.memories[id] = m
	return nil
}

func (s *Store) SetExtractionStatus(_ context.Context, userID, id string, status graphstore.ExtractionStatus, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.UserID != userID {
		return memerr.ErrNotFound
	}
	m.ExtractionStatus = status
	m.ExtractionAttempts = attempts
	m.ExtractionError = errMsg
	s.memories[id] = m
	return nil
}

func (s *Store) SetMemoryEmbedding(_ context.Context, userID, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.UserID != userID {
		return memerr.ErrNotFound
	}
	m.Embedding = embedding
	s.memories[id] = m
	return nil
}

func (s *Store) RecentMemories(_ context.Context, userID string, excludeID string, limit int) ([]graphstore.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graphstore.Memory
	for _, m := range s.memories {
		if m.UserID != userID || m.ID == excludeID || m.InvalidAt != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListMemories(_ context.Context, userID string, filter graphstore.MemoryFilter, offset, limit int) ([]graphstore.Memory, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []graphstore.Memory
	for _, m := range s.memories {
		if m.UserID != userID {
			continue
		}
		if m.InvalidAt != nil && !filter.IncludeInvalid {
			continue
		}
		if filter.Category != "" && !containsFold(m.Categories, filter.Category) {
			continue
		}
		if filter.Tag != "" && !containsFold(m.Tags, filter.Tag) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !m.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// --- Categories ---

func (s *Store) EnsureCategories(_ context.Context, userID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.categories[userID]
	if !ok {
		set = make(map[string]bool)
		s.categories[userID] = set
	}
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return nil
}

func (s *Store) LinkMemoryCategories(_ context.Context, userID, memoryID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok || m.UserID != userID {
		return memerr.ErrNotFound
	}
	seen := make(map[string]bool, len(m.Categories))
	for _, c := range m.Categories {
		seen[strings.ToLower(c)] = true
	}
	for _, n := range names {
		if !seen[strings.ToLower(n)] {
			m.Categories = append(m.Categories, n)
			seen[strings.ToLower(n)] = true
		}
	}
	s.memories[memoryID] = m
	return nil
}

// --- Entities ---

func (s *Store) FindEntityByNormalizedName(_ context.Context, userID, normalizedName string) (*graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entities {
		if e.UserID == userID && e.NormalizedName == normalizedName {
			cp := e
			return &cp, nil
		}
	}
	return nil, memerr.ErrNotFound
}

func (s *Store) FindEntitiesByType(_ context.Context, userID, typ string) ([]graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graphstore.Entity
	for _, e := range s.entities {
		if e.UserID == userID && (typ == "" || e.Type == typ) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) FindEntities(_ context.Context, userID string, filter graphstore.EntityFilter) ([]graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graphstore.Entity
	q := strings.ToLower(filter.Query)
	for _, e := range s.entities {
		if e.UserID != userID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.Name), q) && !strings.Contains(strings.ToLower(e.Description), q) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) BatchFindByNormalizedNames(_ context.Context, userID string, normalizedNames []string) (map[string]graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(normalizedNames))
	for _, n := range normalizedNames {
		want[n] = true
	}
	out := make(map[string]graphstore.Entity)
	for _, e := range s.entities {
		if e.UserID == userID && want[e.NormalizedName] {
			out[e.NormalizedName] = e
		}
	}
	return out, nil
}

func (s *Store) GetEntity(_ context.Context, userID, id string) (*graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok || e.UserID != userID {
		return nil, memerr.ErrNotFound
	}
	cp := e
	return &cp, nil
}

// MergeEntity implements the resolver's find-or-create MERGE on
// (userID, normalizedName). The lock is held for the whole read-then-write so
// concurrent resolvers for the same name serialize onto one row and all of
// them return the winner's id.
func (s *Store) MergeEntity(_ context.Context, e graphstore.Entity) (graphstore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entities {
		if existing.UserID == e.UserID && existing.NormalizedName == e.NormalizedName {
			return existing, nil
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	s.entities[e.ID] = e
	return e, nil
}

func (s *Store) UpdateEntity(_ context.Context, e graphstore.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entities[e.ID]
	if !ok || existing.UserID != e.UserID {
		return memerr.ErrNotFound
	}
	s.entities[e.ID] = e
	return nil
}

func (s *Store) SetEntityEmbedding(_ context.Context, userID, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.UserID != userID {
		return memerr.ErrNotFound
	}
	e.DescriptionEmbedding = embedding
	s.entities[id] = e
	return nil
}

func (s *Store) DeleteEntity(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.UserID != userID {
		return memerr.ErrNotFound
	}
	delete(s.entities, id)
	for k, r := range s.relationships {
		if r.SourceID == id || r.TargetID == id {
			delete(s.relationships, k)
		}
	}
	for mem, ents := range s.mentions {
		delete(ents, id)
		if len(ents) == 0 {
			delete(s.mentions, mem)
		}
	}
	return nil
}

func (s *Store) SearchEntitiesByVector(_ context.Context, userID string, query []float32, limit int) ([]graphstore.EntityVectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []graphstore.EntityVectorHit
	for _, e := range s.entities {
		if e.UserID != userID || len(e.DescriptionEmbedding) == 0 {
			continue
		}
		sim := cosineSimilarity(query, e.DescriptionEmbedding)
		hits = append(hits, graphstore.EntityVectorHit{Entity: e, Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- Relationships ---

func (s *Store) UpsertRelationship(_ context.Context, r graphstore.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relKey(r.SourceID, r.TargetID, r.Type)
	existing, ok := s.relationships[key]
	if ok {
		if len(r.Description) <= len(existing.Description) {
			r.Description = existing.Description
		}
		r.CreatedAt = existing.CreatedAt
		if r.Metadata == nil {
			r.Metadata = existing.Metadata
		}
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()
	s.relationships[key] = r
	return nil
}

func (s *Store) GetRelationships(_ context.Context, userID, entityID string, opts ...graphstore.RelQueryOpt) ([]graphstore.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := graphstore.ResolveRelOpts(opts...)
	if _, ok := s.entities[entityID]; !ok {
		return nil, nil
	}
	var out []graphstore.Relationship
	for _, r := range s.relationships {
		if o.Outgoing && r.SourceID == entityID {
			if s.entities[r.SourceID].UserID == userID && typeAllowed(r.Type, o.Types) {
				out = append(out, r)
			}
		} else if o.Incoming && r.TargetID == entityID {
			if s.entities[r.TargetID].UserID == userID && typeAllowed(r.Type, o.Types) {
				out = append(out, r)
			}
		}
	}
	if o.LimitCount > 0 && len(out) > o.LimitCount {
		out = out[:o.LimitCount]
	}
	return out, nil
}

func typeAllowed(typ string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == typ {
			return true
		}
	}
	return false
}

func (s *Store) DeleteRelationship(_ context.Context, _, sourceID, targetID, typ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relationships, relKey(sourceID, targetID, typ))
	return nil
}

func (s *Store) DeleteRelationshipsForEntity(_ context.Context, _, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.relationships {
		if r.SourceID == entityID || r.TargetID == entityID {
			delete(s.relationships, k)
		}
	}
	return nil
}

// --- Traversal ---

func (s *Store) Neighbors(_ context.Context, userID, id string, hops int, opts ...graphstore.TraversalOpt) ([]graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := graphstore.ResolveTraversalOpts(opts...)
	frontier := map[string]bool{id: true}
	visited := map[string]bool{id: true}
	var result []graphstore.Entity
	for h := 0; h < hops; h++ {
		next := map[string]bool{}
		for _, r := range s.relationships {
			if !typeAllowed(r.Type, o.RelTypes) {
				continue
			}
			if frontier[r.SourceID] && !visited[r.TargetID] {
				next[r.TargetID] = true
			}
			if frontier[r.TargetID] && !visited[r.SourceID] {
				next[r.SourceID] = true
			}
		}
		for n := range next {
			visited[n] = true
		}
		frontier = next
	}
	delete(visited, id)
	for eid := range visited {
		e, ok := s.entities[eid]
		if !ok || e.UserID != userID {
			continue
		}
		if len(o.NodeTypes) > 0 && !typeAllowed(e.Type, o.NodeTypes) {
			continue
		}
		result = append(result, e)
		if o.MaxNodes > 0 && len(result) >= o.MaxNodes {
			break
		}
	}
	return result, nil
}

func (s *Store) Subgraph(ctx context.Context, userID, id string, hops int, opts ...graphstore.TraversalOpt) ([]graphstore.Entity, []graphstore.Relationship, error) {
	neighbors, err := s.Neighbors(ctx, userID, id, hops, opts...)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := map[string]bool{id: true}
	for _, e := range neighbors {
		members[e.ID] = true
	}
	var rels []graphstore.Relationship
	for _, r := range s.relationships {
		if members[r.SourceID] && members[r.TargetID] {
			rels = append(rels, r)
		}
	}
	return neighbors, rels, nil
}

// --- Mentions ---

func (s *Store) LinkMention(_ context.Context, _, memoryID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.mentions[memoryID]
	if !ok {
		set = make(map[string]bool)
		s.mentions[memoryID] = set
	}
	if !set[entityID] {
		set[entityID] = true
		if e, ok := s.entities[entityID]; ok {
			e.MentionCount++
			s.entities[entityID] = e
		}
	}
	return nil
}

func (s *Store) EntitiesForMemory(_ context.Context, userID, memoryID string, limit int) ([]graphstore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graphstore.Entity
	for eid := range s.mentions[memoryID] {
		e, ok := s.entities[eid]
		if ok && e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MemoryCountForEntity(_ context.Context, _, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ents := range s.mentions {
		if ents[entityID] {
			count++
		}
	}
	return count, nil
}

// --- Access log ---

func (s *Store) RecordAccess(_ context.Context, userID, appName, memoryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + appName + "|" + memoryID
	rec := s.access[key]
	rec.count++
	rec.lastAt = at
	s.access[key] = rec
	return nil
}

// AccessCount exposes the recorded access count for tests asserting that
// access logging increments by exactly one per retrieval response that
// includes the memory.
func (s *Store) AccessCount(userID, appName, memoryID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access[userID+"|"+appName+"|"+memoryID].count
}

// --- Hybrid search candidate lists ---

func (s *Store) LexicalSearch(_ context.Context, userID, query string, limit int) ([]graphstore.LexicalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		id    string
		score float64
	}
	var matches []scored
	for _, m := range s.memories {
		if m.UserID != userID || m.InvalidAt != nil {
			continue
		}
		content := strings.ToLower(m.Content)
		var hits int
		for _, t := range terms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{id: m.ID, score: float64(hits)})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]graphstore.LexicalHit, len(matches))
	for i, m := range matches {
		out[i] = graphstore.LexicalHit{MemoryID: m.id, Rank: i + 1, Score: m.score}
	}
	return out, nil
}

func (s *Store) VectorSearchMemories(_ context.Context, userID string, query []float32, limit int) ([]graphstore.VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	var matches []scored
	for _, m := range s.memories {
		if m.UserID != userID || m.InvalidAt != nil || len(m.Embedding) == 0 {
			continue
		}
		matches = append(matches, scored{id: m.ID, score: cosineSimilarity(query, m.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]graphstore.VectorHit, len(matches))
	for i, m := range matches {
		out[i] = graphstore.VectorHit{MemoryID: m.id, Rank: i + 1, Score: m.score}
	}
	return out, nil
}

// --- Configuration document ---

func (s *Store) GetConfigDoc(_ context.Context) (graphstore.ConfigDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.configSet {
		return graphstore.ConfigDoc{DedupEnabled: true, DedupThreshold: 0.75, ResolverSemanticTier: 0.88}, nil
	}
	return s.config, nil
}

func (s *Store) PutConfigDoc(_ context.Context, doc graphstore.ConfigDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = doc
	s.configSet = true
	return nil
}

func (s *Store) Close() error { return nil }
