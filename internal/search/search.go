// Package search implements the search_memory hybrid retrieval surface:
// concurrent lexical+vector candidate fetch, Reciprocal Rank Fusion, post-filtering, confidence signaling,
// entity enrichment, fire-and-forget access logging, and an empty-query
// browse mode.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/observe"
	"github.com/memforge/core/pkg/provider/embeddings"
)

// Config tunes the RRF formula, overfetch sizing, and confidence floor.
type Config struct {
	// RRFK is the k constant in the reciprocal-rank-fusion formula
	// Σ 1/(k+rank).
	RRFK int

	// RRFConfidenceFloor is the minimum fused score a result's top row
	// must clear for the response to report confident=true.
	RRFConfidenceFloor float64

	// RRFNormalizer divides the fused RRF score to produce relevance_score
	// in [0,1].
	RRFNormalizer float64

	// VectorOverfetchFactor multiplies limit when neither a tag nor a
	// category filter is set (a created_after filter does not change the
	// fetch size), to compensate for the per-user pre-filter applied after
	// ANN lookup.
	VectorOverfetchFactor int

	// EntityEnrichLimit caps how many entities are attached per result row.
	EntityEnrichLimit int

	// TagFilterRetentionFloor is the minimum fraction of pre-filter
	// candidates a tag filter must retain before a tag_filter_warning is
	// emitted.
	TagFilterRetentionFloor float64
}

func (c Config) withDefaults() Config {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.RRFConfidenceFloor <= 0 {
		c.RRFConfidenceFloor = 0.012
	}
	if c.RRFNormalizer <= 0 {
		c.RRFNormalizer = 0.032786
	}
	if c.VectorOverfetchFactor <= 0 {
		c.VectorOverfetchFactor = 3
	}
	if c.EntityEnrichLimit <= 0 {
		c.EntityEnrichLimit = 5
	}
	if c.TagFilterRetentionFloor <= 0 {
		c.TagFilterRetentionFloor = 0.30
	}
	return c
}

// Request is a single search_memory call.
type Request struct {
	Query           string
	Limit           int
	Offset          int
	Category        string
	Tag             string
	CreatedAfter    time.Time
	IncludeEntities bool
	// IncludeEntitiesSet distinguishes an explicit include_entities=false
	// from the zero value, since enrichment defaults to on.
	IncludeEntitiesSet bool
	// LimitSet distinguishes an explicit limit=0 (clamped to the minimum
	// page size of 1) from an absent limit (defaulted to 50).
	LimitSet bool
}

// ResultRow is one retrieved memory in either search or browse mode.
type ResultRow struct {
	ID             string   `json:"id"`
	Memory         string   `json:"memory"`
	RelevanceScore float64  `json:"relevance_score,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	AppName        string   `json:"app_name,omitempty"`
}

// RelationshipSummary is one edge attached to an enriched entity.
type RelationshipSummary struct {
	Type       string `json:"type"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName,omitempty"`
}

// EntityEnrichment is one entity attached to a search result row.
type EntityEnrichment struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Type          string                `json:"type"`
	Description   string                `json:"description,omitempty"`
	MemoryCount   int                   `json:"memoryCount"`
	Relationships []RelationshipSummary `json:"relationships,omitempty"`
}

// Response is the search_memory search-mode response.
type Response struct {
	Results          []ResultRow        `json:"results"`
	Confident        bool               `json:"confident"`
	Message          string             `json:"message,omitempty"`
	TotalMatching    int                `json:"total_matching"`
	Entities         []EntityEnrichment `json:"entities,omitempty"`
	TagFilterWarning string             `json:"tag_filter_warning,omitempty"`
}

// BrowseResponse is the search_memory browse-mode response (empty query).
type BrowseResponse struct {
	Total   int         `json:"total"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	Results []ResultRow `json:"results"`
}

// Searcher runs hybrid search and browse queries against a GraphStore.
type Searcher struct {
	store   graphstore.GraphStore
	embed   embeddings.Provider
	bg      *bgtask.Pool
	cfg     Config
	metrics *observe.Metrics
}

// New constructs a Searcher. embed may be nil — the vector half of hybrid
// search and entity enrichment then fail open to empty, leaving lexical
// search as the sole candidate source.
func New(store graphstore.GraphStore, embed embeddings.Provider, bg *bgtask.Pool, cfg Config) *Searcher {
	if bg == nil {
		bg = bgtask.NewPool(8)
	}
	return &Searcher{store: store, embed: embed, bg: bg, cfg: cfg.withDefaults()}
}

// SetMetrics attaches an [observe.Metrics] instance so Execute records
// per-mode request counts and search latency. Nil-safe no-op when unset.
func (s *Searcher) SetMetrics(m *observe.Metrics) {
	s.metrics = m
}

// clampLimit bounds limit to [1, 200]. An absent limit (set == false and a
// non-positive value) defaults to 50; an explicitly supplied non-positive
// limit clamps to 1 rather than silently becoming the default page size.
func clampLimit(limit int, set bool) int {
	if limit <= 0 {
		if set {
			return 1
		}
		return 50
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

// Execute dispatches to Search or Browse depending on whether req.Query is
// empty or whitespace-only, matching the search_memory RPC's single entry
// point.
func (s *Searcher) Execute(ctx context.Context, userID, appName string, req Request) (any, error) {
	start := time.Now()
	mode := "search"
	if strings.TrimSpace(req.Query) == "" {
		mode = "browse"
	}
	defer s.recordRequest(ctx, mode, start)

	if mode == "browse" {
		return s.Browse(ctx, userID, req)
	}
	return s.Search(ctx, userID, appName, req)
}

// recordRequest emits the per-mode request counter and search-latency
// histogram. A nil metrics field makes this a no-op.
func (s *Searcher) recordRequest(ctx context.Context, mode string, start time.Time) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	s.metrics.SearchRequests.Add(ctx, 1, attrs)
	s.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// Browse implements the empty-query pagination path: a single filtered,
// offset/limit-bounded listing with no hybrid search, no entity
// enrichment, and no access logging.
func (s *Searcher) Browse(ctx context.Context, userID string, req Request) (*BrowseResponse, error) {
	limit := clampLimit(req.Limit, req.LimitSet)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	mems, total, err := s.store.ListMemories(ctx, userID, graphstore.MemoryFilter{
		Category:     req.Category,
		Tag:          req.Tag,
		CreatedAfter: req.CreatedAfter,
	}, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("search: browse: %w", err)
	}

	rows := make([]ResultRow, len(mems))
	for i, m := range mems {
		rows[i] = toRow(m, 0)
	}
	return &BrowseResponse{Total: total, Offset: offset, Limit: limit, Results: rows}, nil
}

type candidate struct {
	id      string
	lexRank int // 0 means absent
	vecRank int // 0 means absent
	rrf     float64
}

// scoredMemory pairs a retrieved Memory with its fused candidate score.
type scoredMemory struct {
	mem graphstore.Memory
	c   candidate
}

// Search implements the hybrid search path: concurrent lexical+vector
// candidate fetch, RRF fusion, post-filtering, confidence signaling,
// entity enrichment, and fire-and-forget access logging.
func (s *Searcher) Search(ctx context.Context, userID, appName string, req Request) (*Response, error) {
	limit := clampLimit(req.Limit, req.LimitSet)
	includeEntities := true
	if req.IncludeEntitiesSet {
		includeEntities = req.IncludeEntities
	}

	fetchLimit := limit
	tagFiltering := req.Tag != ""
	categoryFiltering := req.Category != ""
	switch {
	case tagFiltering:
		if t := limit * 10; t > fetchLimit {
			fetchLimit = t
		}
		if fetchLimit < 200 {
			fetchLimit = 200
		}
	case categoryFiltering:
		fetchLimit = limit * 5
	default:
		fetchLimit = limit * s.cfg.VectorOverfetchFactor
	}

	lexical, vector, err := s.fetchCandidates(ctx, userID, req.Query, fetchLimit)
	if err != nil {
		return nil, err
	}

	fused := fuse(lexical, vector, s.cfg.RRFK)
	preFilterCount := len(fused)

	var all []scoredMemory
	for _, c := range fused {
		mem, err := s.store.GetMemory(ctx, userID, c.id)
		if err != nil {
			continue
		}
		if req.Category != "" && !containsFold(mem.Categories, req.Category) {
			continue
		}
		if req.Tag != "" && !containsFold(mem.Tags, req.Tag) {
			continue
		}
		if !req.CreatedAfter.IsZero() && !mem.CreatedAt.After(req.CreatedAfter) {
			continue
		}
		all = append(all, scoredMemory{mem: *mem, c: c})
	}

	var tagWarning string
	if tagFiltering && preFilterCount > 0 {
		retention := float64(len(all)) / float64(preFilterCount)
		if retention < s.cfg.TagFilterRetentionFloor {
			tagWarning = "tag filter retained fewer than 30% of candidates; results may be incomplete"
		}
	}

	confident := len(all) == 0
	if len(all) > 0 {
		best := all[0]
		confident = best.c.rrf >= s.cfg.RRFConfidenceFloor
		for _, sm := range all {
			if sm.c.lexRank > 0 {
				confident = true
				break
			}
		}
	}

	total := len(all)
	if len(all) > limit {
		all = all[:limit]
	}

	rows := make([]ResultRow, len(all))
	for i, sm := range all {
		rows[i] = toRow(sm.mem, sm.c.rrf/s.cfg.RRFNormalizer)
	}

	resp := &Response{
		Results:          rows,
		Confident:        confident,
		TotalMatching:    total,
		TagFilterWarning: tagWarning,
	}
	if !confident {
		resp.Message = "confidence is LOW: no strong lexical or vector match for this query"
	}

	if includeEntities && len(all) > 0 {
		resp.Entities = s.enrichEntities(ctx, userID, all)
	}

	s.logAccess(userID, appName, rows)

	return resp, nil
}

func (s *Searcher) fetchCandidates(ctx context.Context, userID, query string, fetchLimit int) ([]graphstore.LexicalHit, []graphstore.VectorHit, error) {
	var (
		lexical []graphstore.LexicalHit
		vector  []graphstore.VectorHit
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		hits, err := s.store.LexicalSearch(egCtx, userID, query, fetchLimit)
		if err != nil {
			return fmt.Errorf("search: lexical candidates: %w", err)
		}
		lexical = hits
		return nil
	})

	eg.Go(func() error {
		if s.embed == nil {
			return nil
		}
		vec, err := s.embed.Embed(egCtx, query)
		if err != nil {
			slog.Warn("search: query embed failed, vector candidates skipped", "error", err)
			return nil
		}
		hits, err := s.store.VectorSearchMemories(egCtx, userID, vec, fetchLimit)
		if err != nil {
			return fmt.Errorf("search: vector candidates: %w", err)
		}
		vector = hits
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return lexical, vector, nil
}

// fuse computes Reciprocal Rank Fusion over two ranked candidate lists.
func fuse(lexical []graphstore.LexicalHit, vector []graphstore.VectorHit, k int) []candidate {
	byID := make(map[string]*candidate)
	order := make([]string, 0, len(lexical)+len(vector))

	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{id: id}
			byID[id] = c
			order = append(order, id)
		}
		return c
	}

	for _, h := range lexical {
		c := get(h.MemoryID)
		c.lexRank = h.Rank
		c.rrf += 1.0 / float64(k+h.Rank)
	}
	for _, h := range vector {
		c := get(h.MemoryID)
		c.vecRank = h.Rank
		c.rrf += 1.0 / float64(k+h.Rank)
	}

	out := make([]candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rrf > out[j].rrf })
	return out
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// enrichEntities semantically matches up to EntityEnrichLimit entities per
// result row. Embed/search failures fail open to no enrichment for that
// row rather than failing the whole request.
func (s *Searcher) enrichEntities(ctx context.Context, userID string, rows []scoredMemory) []EntityEnrichment {
	if s.embed == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []EntityEnrichment
	for _, r := range rows {
		vec := r.mem.Embedding
		if len(vec) == 0 {
			v, err := s.embed.Embed(ctx, r.mem.Content)
			if err != nil {
				slog.Warn("search: entity enrichment embed failed", "memory_id", r.mem.ID, "error", err)
				continue
			}
			vec = v
		}
		hits, err := s.store.SearchEntitiesByVector(ctx, userID, vec, s.cfg.EntityEnrichLimit)
		if err != nil {
			slog.Warn("search: entity enrichment search failed", "memory_id", r.mem.ID, "error", err)
			continue
		}
		for _, h := range hits {
			if seen[h.Entity.ID] {
				continue
			}
			seen[h.Entity.ID] = true
			out = append(out, s.buildEnrichment(ctx, userID, h.Entity))
		}
	}
	return out
}

func (s *Searcher) buildEnrichment(ctx context.Context, userID string, e graphstore.Entity) EntityEnrichment {
	count, err := s.store.MemoryCountForEntity(ctx, userID, e.ID)
	if err != nil {
		slog.Warn("search: memory count for entity failed", "entity_id", e.ID, "error", err)
	}
	rels, err := s.store.GetRelationships(ctx, userID, e.ID, graphstore.WithRelLimit(10))
	if err != nil {
		slog.Warn("search: relationships for entity failed", "entity_id", e.ID, "error", err)
	}
	summaries := make([]RelationshipSummary, 0, len(rels))
	for _, r := range rels {
		targetID := r.TargetID
		if targetID == e.ID {
			targetID = r.SourceID
		}
		name := ""
		if target, err := s.store.GetEntity(ctx, userID, targetID); err == nil {
			name = target.Name
		}
		summaries = append(summaries, RelationshipSummary{Type: r.Type, TargetID: targetID, TargetName: name})
	}
	return EntityEnrichment{
		ID:            e.ID,
		Name:          e.Name,
		Type:          e.Type,
		Description:   e.Description,
		MemoryCount:   count,
		Relationships: summaries,
	}
}

// logAccess fire-and-forgets an ACCESSED upsert for every returned row;
// the response never waits on it.
func (s *Searcher) logAccess(userID, appName string, rows []ResultRow) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	s.bg.Go("search.log_access", func(ctx context.Context) {
		now := time.Now()
		for _, id := range ids {
			if err := s.store.RecordAccess(ctx, userID, appName, id, now); err != nil {
				slog.Warn("search: record access failed", "memory_id", id, "error", err)
			}
		}
	})
}

func toRow(m graphstore.Memory, relevance float64) ResultRow {
	if relevance > 1.0 {
		relevance = 1.0
	}
	row := ResultRow{
		ID:             m.ID,
		Memory:         m.Content,
		RelevanceScore: relevance,
		Categories:     m.Categories,
		Tags:           m.Tags,
		CreatedAt:      formatBucket(m.CreatedAt),
		AppName:        m.AppName,
	}
	if !m.UpdatedAt.Equal(m.CreatedAt) {
		row.UpdatedAt = formatBucket(m.UpdatedAt)
	}
	return row
}

// formatBucket renders t as "YYYY-MM-DD (bucket)" with semantic date
// buckets relative to now: today, yesterday, this week, last week, this
// month, older.
func formatBucket(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02"), bucketLabel(t, time.Now()))
}

func bucketLabel(t, now time.Time) string {
	t = t.Local()
	now = now.Local()
	dayStart := func(x time.Time) time.Time { return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, x.Location()) }
	today := dayStart(now)
	day := dayStart(t)
	days := int(today.Sub(day).Hours() / 24)

	switch {
	case days == 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days < 0:
		return "today"
	case days <= 7:
		return "this week"
	case days <= 14:
		return "last week"
	case days <= 30:
		return "this month"
	default:
		return "older"
	}
}
