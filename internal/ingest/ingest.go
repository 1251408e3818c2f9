// Package ingest implements the add_memories write pipeline: per-item
// intent dispatch, intra-batch and
// cross-memory deduplication, supersede, category writing, and bounded
// fire-and-forget extraction drains.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/dedup"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/intent"
	"github.com/memforge/core/internal/observe"
	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/internal/worker"
	"github.com/memforge/core/pkg/provider/embeddings"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Item is a single statement submitted to add_memories.
type Item struct {
	Content                string
	Tags                   []string
	Categories             []string
	SuppressAutoCategories bool

	// Replaces, if set, short-circuits intent classification and dedup: the
	// caller asserts the old memory id and the pipeline performs an
	// unconditional supersede.
	Replaces string
}

// ItemError records a single per-item failure without aborting the batch.
type ItemError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Result is the add_memories response shape. Zero-valued fields are meant
// to be omitted by the RPC layer's JSON encoding (all fields carry
// omitempty tags for that purpose).
type Result struct {
	Stored      int      `json:"stored,omitempty"`
	Superseded  int      `json:"superseded,omitempty"`
	Skipped     int      `json:"skipped,omitempty"`
	Invalidated int      `json:"invalidated,omitempty"`
	Deleted     string   `json:"deleted,omitempty"`
	Touched     int      `json:"touched,omitempty"`
	Resolved    int      `json:"resolved,omitempty"`

	IDs         []string `json:"ids,omitempty"`
	TouchedIDs  []string `json:"touched_ids,omitempty"`
	ResolvedIDs []string `json:"resolved_ids,omitempty"`

	Errors []ItemError `json:"errors,omitempty"`
}

// Config tunes drain budgets and the INVALIDATE target-matching threshold.
type Config struct {
	// PerItemDrain bounds how long the pipeline waits on a single item's
	// background extraction before moving to the next batch item.
	PerItemDrain time.Duration

	// BatchDrainBudget caps total drain time across the whole batch; once
	// exhausted, remaining items get a 0ms drain.
	BatchDrainBudget time.Duration

	// InvalidateThreshold is the minimum cosine similarity between an
	// INVALIDATE target phrase and a memory's content for that memory to be
	// soft-deleted. Reuses the dedup "duplicate" threshold's default.
	InvalidateThreshold float64
}

func (c Config) withDefaults() Config {
	if c.PerItemDrain <= 0 {
		c.PerItemDrain = 3 * time.Second
	}
	if c.BatchDrainBudget <= 0 {
		c.BatchDrainBudget = 12 * time.Second
	}
	if c.InvalidateThreshold <= 0 {
		c.InvalidateThreshold = 0.75
	}
	return c
}

// Pipeline is the add_memories write pipeline.
type Pipeline struct {
	store       graphstore.GraphStore
	dedup       *dedup.Dedup
	intent      *intent.Classifier
	worker      *worker.Worker
	embed       embeddings.Provider
	bg          *bgtask.Pool
	cfg         Config
	metrics     *observe.Metrics
	categorizer llm.Provider
}

// New constructs a Pipeline.
func New(store graphstore.GraphStore, d *dedup.Dedup, classifier *intent.Classifier, w *worker.Worker, embed embeddings.Provider, bg *bgtask.Pool, cfg Config) *Pipeline {
	if bg == nil {
		bg = bgtask.NewPool(8)
	}
	return &Pipeline{store: store, dedup: d, intent: classifier, worker: w, embed: embed, bg: bg, cfg: cfg.withDefaults()}
}

// SetMetrics attaches an [observe.Metrics] instance so Add records
// add_memories outcome counters. Nil-safe: an unset metrics field is a
// no-op, matching the rest of the memory core's Degraded fail-open policy.
func (p *Pipeline) SetMetrics(m *observe.Metrics) {
	p.metrics = m
}

// SetCategorizer attaches the LLM client used for auto-categorization
// (routed via MEMFORGE_CATEGORIZATION_MODEL). Nil-safe:
// an unset categorizer simply skips auto-categorization, the same
// fail-open posture as every other optional LLM call in this module.
func (p *Pipeline) SetCategorizer(c llm.Provider) {
	p.categorizer = c
}

// normalizeContent implements the intra-batch dedup key: lowercase with
// runs of whitespace collapsed to a single space.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Add runs the full write pipeline over items for userID, authored by
// appName. Per-item failures are isolated into Result.Errors; the batch
// always completes.
func (p *Pipeline) Add(ctx context.Context, userID, appName string, items []Item) Result {
	var res Result
	if len(items) == 0 {
		return res
	}

	seen := make(map[string]bool)
	deadline := time.Now().Add(p.cfg.BatchDrainBudget)
	var handles []*bgtask.Handle

	for i, item := range items {
		before := len(handles)
		if err := p.dispatch(ctx, userID, appName, i, item, seen, &res, &handles, &deadline); err != nil {
			res.Errors = append(res.Errors, ItemError{Index: i, Message: err.Error()})
		}

		// Drain this item's own extraction launch before the next item's
		// memory write begins: the downstream lexical index tolerates only
		// a single writer at a time.
		for _, h := range handles[before:] {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			drain := p.cfg.PerItemDrain
			if remaining < drain {
				drain = remaining
			}
			h.Wait(ctx, drain)
		}
	}

	p.recordOutcomes(ctx, res)
	return res
}

// recordOutcomes emits one counter increment per outcome kind present in
// res. A nil metrics field makes this a no-op.
func (p *Pipeline) recordOutcomes(ctx context.Context, res Result) {
	if p.metrics == nil {
		return
	}
	record := func(outcome string, n int) {
		if n <= 0 {
			return
		}
		p.metrics.MemoriesWritten.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	record("stored", res.Stored)
	record("superseded", res.Superseded)
	record("skipped", res.Skipped)
	record("invalidated", res.Invalidated)
	record("touched", res.Touched)
	record("resolved", res.Resolved)
}

func (p *Pipeline) dispatch(ctx context.Context, userID, appName string, index int, item Item, seen map[string]bool, res *Result, handles *[]*bgtask.Handle, deadline *time.Time) error {
	if item.Replaces != "" {
		return p.supersede(ctx, userID, appName, item, item.Replaces, res, handles)
	}

	it := p.intent.Classify(ctx, item.Content)
	switch it.Kind {
	case intent.Invalidate:
		count, err := p.invalidate(ctx, userID, it.Target)
		if err != nil {
			return err
		}
		res.Invalidated += count
		return nil

	case intent.DeleteEntity:
		name, err := p.deleteEntity(ctx, userID, it)
		if err != nil {
			return err
		}
		res.Deleted = name
		return nil

	case intent.Touch:
		id, err := p.touch(ctx, userID, it.Target, item.Tags)
		if err != nil {
			return err
		}
		if id != "" {
			res.Touched++
			res.TouchedIDs = append(res.TouchedIDs, id)
		}
		return nil

	case intent.Resolve:
		id, err := p.resolveIntent(ctx, userID, it.Target)
		if err != nil {
			return err
		}
		if id != "" {
			res.Resolved++
			res.ResolvedIDs = append(res.ResolvedIDs, id)
		}
		return nil

	default: // STORE
		norm := normalizeContent(item.Content)
		if seen[norm] {
			res.Skipped++
			return nil
		}
		seen[norm] = true
		return p.handleStore(ctx, userID, appName, index, item, res, handles)
	}
}

// handleStore performs the STORE path: cross-memory dedup, then add/skip/supersede.
func (p *Pipeline) handleStore(ctx context.Context, userID, appName string, index int, item Item, res *Result, handles *[]*bgtask.Handle) error {
	decision, err := p.dedup.Check(ctx, userID, item.Content)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}

	switch decision.Action {
	case dedup.ActionSkip:
		res.Skipped++
		return nil
	case dedup.ActionSupersede:
		return p.supersede(ctx, userID, appName, item, decision.ExistingID, res, handles)
	default: // ActionAdd
		return p.add(ctx, userID, appName, item, res, handles)
	}
}

func (p *Pipeline) add(ctx context.Context, userID, appName string, item Item, res *Result, handles *[]*bgtask.Handle) error {
	categories := p.resolveCategories(ctx, item)
	now := time.Now()
	mem, err := p.store.CreateMemory(ctx, graphstore.Memory{
		UserID:     userID,
		Content:    item.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
		Tags:       item.Tags,
		AppName:    appName,
		Categories: categories,
		Embedding:  p.embedContent(ctx, item.Content),
	})
	if err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	if err := p.writeCategories(ctx, userID, mem.ID, categories); err != nil {
		slog.Warn("ingest: category write failed", "memory_id", mem.ID, "error", err)
	}

	res.Stored++
	res.IDs = append(res.IDs, mem.ID)
	*handles = append(*handles, p.fireExtraction(userID, mem.ID))
	return nil
}

func (p *Pipeline) supersede(ctx context.Context, userID, appName string, item Item, oldID string, res *Result, handles *[]*bgtask.Handle) error {
	old, err := p.store.GetMemory(ctx, userID, oldID)
	if err != nil {
		return fmt.Errorf("load superseded memory: %w", err)
	}

	tags := unionTags(old.Tags, item.Tags)
	categories := p.resolveCategories(ctx, item)
	now := time.Now()
	mem, err := p.store.CreateMemory(ctx, graphstore.Memory{
		UserID:       userID,
		Content:      item.Content,
		CreatedAt:    now,
		UpdatedAt:    now,
		Tags:         tags,
		AppName:      appName,
		Categories:   categories,
		SupersedesID: oldID,
		Embedding:    p.embedContent(ctx, item.Content),
	})
	if err != nil {
		return fmt.Errorf("create superseding memory: %w", err)
	}
	if err := p.writeCategories(ctx, userID, mem.ID, categories); err != nil {
		slog.Warn("ingest: category write failed", "memory_id", mem.ID, "error", err)
	}
	if err := p.store.InvalidateMemory(ctx, userID, oldID, now); err != nil {
		return fmt.Errorf("invalidate superseded memory: %w", err)
	}

	res.Superseded++
	res.IDs = append(res.IDs, mem.ID)
	*handles = append(*handles, p.fireExtraction(userID, mem.ID))
	return nil
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (p *Pipeline) writeCategories(ctx context.Context, userID, memoryID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := p.store.EnsureCategories(ctx, userID, names); err != nil {
		return fmt.Errorf("ensure categories: %w", err)
	}
	return p.store.LinkMemoryCategories(ctx, userID, memoryID, names)
}

// resolveCategories returns the categories to write for item: its explicit
// list if one was given, or auto-categorization's suggestion otherwise.
// An explicit category list suppresses auto-categorization even when the
// flag is unset.
func (p *Pipeline) resolveCategories(ctx context.Context, item Item) []string {
	if item.SuppressAutoCategories || len(item.Categories) > 0 || p.categorizer == nil {
		return item.Categories
	}
	return p.autoCategorize(ctx, item.Content)
}

// autoCategorize asks the categorization LLM for a short list of category
// names for content. Any failure fails open to no categories — auto-
// categorization is a convenience, never a blocking requirement of the
// write path.
func (p *Pipeline) autoCategorize(ctx context.Context, content string) []string {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var b strings.Builder
	b.WriteString("Suggest up to 3 short category names for the following memory. ")
	b.WriteString("Categories are general reusable buckets (e.g. \"work\", \"health\", \"relationships\"), ")
	b.WriteString("not a restatement of the content. Respond with JSON only, of the form ")
	b.WriteString(`{"categories":["..."]}.` + "\n\nMemory:\n")
	b.WriteString(content)

	resp, err := p.categorizer.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		Temperature:  0,
		JSONMode:     true,
		SystemPrompt: "You are a categorization assistant for a long-term memory store. Respond only with the requested JSON.",
	})
	if err != nil {
		slog.Warn("ingest: auto-categorize failed", "error", err)
		return nil
	}

	var raw struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
		slog.Warn("ingest: auto-categorize parse failed", "error", err)
		return nil
	}
	return raw.Categories
}

// embedContent computes the content embedding stored on a new memory for
// the vector half of hybrid search and future dedup checks. Fails open to
// nil when no embedding provider is wired or the call errors; the memory is
// then reachable through lexical search only.
func (p *Pipeline) embedContent(ctx context.Context, content string) []float32 {
	if p.embed == nil {
		return nil
	}
	vec, err := p.embed.Embed(ctx, content)
	if err != nil {
		slog.Warn("ingest: content embed failed, storing without vector", "error", err)
		return nil
	}
	return vec
}

// fireExtraction launches the background extraction worker for memoryID and
// returns a handle the caller may drain against a deadline.
func (p *Pipeline) fireExtraction(userID, memoryID string) *bgtask.Handle {
	return p.bg.Go("ingest.extract", func(ctx context.Context) {
		if err := p.worker.Run(ctx, userID, memoryID); err != nil {
			slog.Warn("ingest: background extraction failed", "memory_id", memoryID, "error", err)
		}
	})
}

// invalidate soft-deletes every memory whose content is semantically close
// to target. A nil/unavailable
// embedding provider fails open to zero matches rather than erroring.
func (p *Pipeline) invalidate(ctx context.Context, userID, target string) (int, error) {
	matches, err := p.semanticMatches(ctx, userID, target)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range matches {
		if err := p.store.InvalidateMemory(ctx, userID, id, time.Now()); err != nil {
			slog.Warn("ingest: invalidate failed", "memory_id", id, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// touch locates a memory by natural-language target, refreshes its
// updatedAt, and union-merges tags.
func (p *Pipeline) touch(ctx context.Context, userID, target string, tags []string) (string, error) {
	matches, err := p.semanticMatches(ctx, userID, target)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	id := matches[0]
	mem, err := p.store.GetMemory(ctx, userID, id)
	if err != nil {
		return "", fmt.Errorf("load memory to touch: %w", err)
	}
	mem.Tags = unionTags(mem.Tags, tags)
	mem.UpdatedAt = time.Now()
	if err := p.store.UpdateMemory(ctx, *mem); err != nil {
		return "", fmt.Errorf("touch memory: %w", err)
	}
	return id, nil
}

// resolveIntent locates a memory by natural-language target and marks it
// resolved.
func (p *Pipeline) resolveIntent(ctx context.Context, userID, target string) (string, error) {
	matches, err := p.semanticMatches(ctx, userID, target)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	id := matches[0]
	mem, err := p.store.GetMemory(ctx, userID, id)
	if err != nil {
		return "", fmt.Errorf("load memory to resolve: %w", err)
	}
	now := time.Now()
	mem.ResolvedAt = &now
	mem.Tags = unionTags(mem.Tags, []string{"resolved"})
	mem.UpdatedAt = now
	if err := p.store.UpdateMemory(ctx, *mem); err != nil {
		return "", fmt.Errorf("resolve memory: %w", err)
	}
	return id, nil
}

// semanticMatches embeds target and returns the ids of memories whose
// content clears p.cfg.InvalidateThreshold, best match first.
func (p *Pipeline) semanticMatches(ctx context.Context, userID, target string) ([]string, error) {
	if p.embed == nil {
		return nil, nil
	}
	vec, err := p.embed.Embed(ctx, target)
	if err != nil {
		slog.Warn("ingest: target embed failed, matching nothing", "error", err)
		return nil, nil
	}
	hits, err := p.store.VectorSearchMemories(ctx, userID, vec, 20)
	if err != nil {
		return nil, fmt.Errorf("vector search target: %w", err)
	}
	var ids []string
	for _, h := range hits {
		if h.Score >= p.cfg.InvalidateThreshold {
			ids = append(ids, h.MemoryID)
		}
	}
	return ids, nil
}

// deleteEntity removes an entity (by id or by resolving its normalized
// name) and its incident edges, returning the entity's display name.
func (p *Pipeline) deleteEntity(ctx context.Context, userID string, it intent.Intent) (string, error) {
	var id, name string
	if it.EntityID != "" {
		e, err := p.store.GetEntity(ctx, userID, it.EntityID)
		if err != nil {
			return "", fmt.Errorf("load entity by id: %w", err)
		}
		id, name = e.ID, e.Name
	} else {
		e, err := p.store.FindEntityByNormalizedName(ctx, userID, resolver.NormalizedName(it.EntityName))
		if err != nil {
			return "", fmt.Errorf("find entity by name: %w", err)
		}
		id, name = e.ID, e.Name
	}

	if err := p.store.DeleteRelationshipsForEntity(ctx, userID, id); err != nil {
		slog.Warn("ingest: delete relationships for entity failed", "entity_id", id, "error", err)
	}
	if err := p.store.DeleteEntity(ctx, userID, id); err != nil {
		return "", fmt.Errorf("delete entity: %w", err)
	}
	return name, nil
}
