// Package dedup implements cross-memory deduplication: given new content,
// decide whether it should be added as a new memory, skipped as a
// duplicate of an existing one, or treated as a supersede (logical update)
// of an existing one.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/pkg/provider/embeddings"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
)

// Action is the dedup verdict for a single incoming memory.
type Action string

const (
	ActionAdd       Action = "add"
	ActionSkip      Action = "skip"
	ActionSupersede Action = "supersede"
)

// Result is returned by [Dedup.Check].
type Result struct {
	Action     Action
	ExistingID string // set for Skip and Supersede
}

// bandWidth is the width of the middle "supersede" similarity band below
// the skip threshold. Fixed at 0.15 below the configured skip threshold
// and held constant under test.
const bandWidth = 0.15

// defaultCacheTTL is how long a read configuration document is trusted
// before the next Check re-reads the graph store.
const defaultCacheTTL = 30 * time.Second

// Dedup checks incoming memory content against a user's existing memories.
type Dedup struct {
	store graphstore.GraphStore
	embed embeddings.Provider
	llm   llm.Provider

	cacheTTL time.Duration

	mu        sync.Mutex
	cached    graphstore.ConfigDoc
	cachedAt  time.Time
	hasCached bool
}

// New constructs a Dedup. cacheTTL <= 0 uses [defaultCacheTTL].
func New(store graphstore.GraphStore, embed embeddings.Provider, llmClient llm.Provider, cacheTTL time.Duration) *Dedup {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Dedup{store: store, embed: embed, llm: llmClient, cacheTTL: cacheTTL}
}

// InvalidateCache clears the cached configuration document so the next
// Check re-reads the graph store. Callers that mutate configuration (e.g.
// an admin changing the dedup threshold) must call this.
func (d *Dedup) InvalidateCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasCached = false
}

// config returns the current configuration document, served from a
// process-local TTL cache. Read failures return the documented safe
// defaults (enabled=true, threshold=0.75) rather than propagating an
// error.
func (d *Dedup) config(ctx context.Context) graphstore.ConfigDoc {
	d.mu.Lock()
	if d.hasCached && time.Since(d.cachedAt) < d.cacheTTL {
		cfg := d.cached
		d.mu.Unlock()
		return cfg
	}
	d.mu.Unlock()

	cfg, err := d.store.GetConfigDoc(ctx)
	if err != nil {
		slog.Warn("dedup: config read failed, using safe defaults", "error", err)
		return graphstore.ConfigDoc{DedupEnabled: true, DedupThreshold: 0.75, ResolverSemanticTier: 0.88}
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.75
	}

	d.mu.Lock()
	d.cached = cfg
	d.cachedAt = time.Now()
	d.hasCached = true
	d.mu.Unlock()
	return cfg
}

// Check decides what to do with newContent for userID. A nil/unavailable
// embedding provider fails open to ActionAdd (no duplicate can be
// detected), matching the Degraded error class.
func (d *Dedup) Check(ctx context.Context, userID, newContent string) (Result, error) {
	cfg := d.config(ctx)
	if !cfg.DedupEnabled {
		return Result{Action: ActionAdd}, nil
	}
	if d.embed == nil {
		return Result{Action: ActionAdd}, nil
	}

	vec, err := d.embed.Embed(ctx, newContent)
	if err != nil {
		slog.Warn("dedup: embed failed, failing open to add", "error", err)
		return Result{Action: ActionAdd}, nil
	}

	hits, err := d.store.VectorSearchMemories(ctx, userID, vec, 1)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: vector search: %w", err)
	}
	if len(hits) == 0 {
		return Result{Action: ActionAdd}, nil
	}

	best := hits[0]
	threshold := cfg.DedupThreshold
	switch {
	case best.Score >= threshold:
		return Result{Action: ActionSkip, ExistingID: best.MemoryID}, nil
	case best.Score >= threshold-bandWidth:
		isUpdate, err := d.isUpdateSignal(ctx, userID, best.MemoryID, newContent)
		if err != nil {
			slog.Warn("dedup: update signal failed, defaulting to add", "error", err)
			return Result{Action: ActionAdd}, nil
		}
		if isUpdate {
			return Result{Action: ActionSupersede, ExistingID: best.MemoryID}, nil
		}
		return Result{Action: ActionAdd}, nil
	default:
		return Result{Action: ActionAdd}, nil
	}
}

type updateSignalResponse struct {
	UpdatesRatherThanDuplicates bool `json:"updates_rather_than_duplicates"`
}

// isUpdateSignal asks the LLM whether newContent reads as an update to the
// existing memory (a changed fact) rather than a near-duplicate restatement.
// Any LLM failure fails open to false (treated as add, never supersede by
// accident).
func (d *Dedup) isUpdateSignal(ctx context.Context, userID, existingID, newContent string) (bool, error) {
	if d.llm == nil {
		return false, nil
	}
	existing, err := d.store.GetMemory(ctx, userID, existingID)
	if err != nil {
		return false, fmt.Errorf("dedup: load candidate memory: %w", err)
	}

	var b strings.Builder
	b.WriteString("Existing memory: ")
	b.WriteString(existing.Content)
	b.WriteString("\nNew statement: ")
	b.WriteString(newContent)
	b.WriteString("\n\nDoes the new statement update or change a fact from the existing memory " +
		"(as opposed to simply restating the same fact)? Respond with JSON " +
		`{"updates_rather_than_duplicates": true|false} only.`)

	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		Temperature:  0,
		JSONMode:     true,
		SystemPrompt: "You are a deduplication judge for a long-term memory store. Answer only with the requested JSON.",
	})
	if err != nil {
		return false, fmt.Errorf("dedup: llm update signal: %w", err)
	}
	var parsed updateSignalResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return false, fmt.Errorf("dedup: parse update signal: %w", err)
	}
	return parsed.UpdatesRatherThanDuplicates, nil
}
