// Package worker implements the background extraction orchestrator:
// gather co-reference context, run the combined extractor, resolve every
// entity, write MENTIONS/RELATED_TO edges, and fire off fire-and-forget
// description/summary consolidation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/extract"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/observe"
	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
)

// Config tunes the worker's co-reference window and summary trigger.
type Config struct {
	// CoReferenceWindow caps how many recent memories are gathered for
	// pronoun resolution. Clamped to 3.
	CoReferenceWindow int

	// SummaryThreshold is the mention count an entity must reach before
	// generateEntitySummary fires.
	SummaryThreshold int

	// MaxGleanings is forwarded to the extractor.
	MaxGleanings int
}

func (c Config) withDefaults() Config {
	if c.CoReferenceWindow <= 0 || c.CoReferenceWindow > 3 {
		c.CoReferenceWindow = 3
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = 5
	}
	return c
}

// Worker runs the background extraction pipeline for a single memory.
type Worker struct {
	store     graphstore.GraphStore
	extractor *extract.Extractor
	resolver  *resolver.Resolver
	llm       llm.Provider
	bg        *bgtask.Pool
	cfg       Config
	metrics   *observe.Metrics
}

// New constructs a Worker. llmClient may be nil — summarization tasks then
// become no-ops, matching the extractor's/resolver's own fail-open policy.
func New(store graphstore.GraphStore, extractor *extract.Extractor, r *resolver.Resolver, llmClient llm.Provider, bg *bgtask.Pool, cfg Config) *Worker {
	if bg == nil {
		bg = bgtask.NewPool(4)
	}
	return &Worker{store: store, extractor: extractor, resolver: r, llm: llmClient, bg: bg, cfg: cfg.withDefaults()}
}

// SetMetrics attaches an [observe.Metrics] instance. Nil-safe; a Worker
// without metrics attached simply skips instrumentation.
func (w *Worker) SetMetrics(m *observe.Metrics) {
	w.metrics = m
}

// Run executes the full extraction pipeline for memoryID. Errors are
// recorded on the memory's extractionStatus/extractionError fields rather
// than propagated — callers normally invoke Run via [bgtask.Pool.Go] and
// never see the return value, but it is also returned for direct/test use.
func (w *Worker) Run(ctx context.Context, userID, memoryID string) error {
	mem, err := w.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return fmt.Errorf("worker: load memory: %w", err)
	}
	if mem.ExtractionStatus == graphstore.ExtractionDone {
		return nil
	}

	attempts := mem.ExtractionAttempts + 1
	if err := w.store.SetExtractionStatus(ctx, userID, memoryID, graphstore.ExtractionPending, attempts, ""); err != nil {
		return fmt.Errorf("worker: mark pending: %w", err)
	}

	if w.metrics != nil {
		w.metrics.ActiveExtractions.Add(ctx, 1)
		defer w.metrics.ActiveExtractions.Add(ctx, -1)
	}
	start := time.Now()

	if err := w.run(ctx, userID, mem); err != nil {
		_ = w.store.SetExtractionStatus(ctx, userID, memoryID, graphstore.ExtractionFailed, attempts, err.Error())
		w.recordCompletion(ctx, "failed", start)
		return err
	}

	if err := w.store.SetExtractionStatus(ctx, userID, memoryID, graphstore.ExtractionDone, attempts, ""); err != nil {
		return fmt.Errorf("worker: mark done: %w", err)
	}
	w.recordCompletion(ctx, "done", start)
	return nil
}

func (w *Worker) recordCompletion(ctx context.Context, status string, start time.Time) {
	if w.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	w.metrics.ExtractionsCompleted.Add(ctx, 1, attrs)
	w.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (w *Worker) run(ctx context.Context, userID string, mem *graphstore.Memory) error {
	coref, err := w.store.RecentMemories(ctx, userID, mem.ID, w.cfg.CoReferenceWindow)
	if err != nil {
		return fmt.Errorf("worker: gather co-reference context: %w", err)
	}
	corefText := make([]string, len(coref))
	for i, m := range coref {
		corefText[i] = m.Content
	}

	result := w.extractor.Extract(ctx, mem.Content, extract.Options{
		MaxGleanings:       w.cfg.MaxGleanings,
		CoReferenceContext: corefText,
	})
	if len(result.Entities) == 0 {
		return nil
	}

	normNames := make([]string, len(result.Entities))
	for i, e := range result.Entities {
		normNames[i] = resolver.NormalizedName(e.Name)
	}
	tier1, err := w.store.BatchFindByNormalizedNames(ctx, userID, normNames)
	if err != nil {
		return fmt.Errorf("worker: tier-1 batch resolve: %w", err)
	}

	resolvedIDs := make(map[string]string, len(result.Entities)) // original extracted name -> entity id
	for _, e := range result.Entities {
		norm := resolver.NormalizedName(e.Name)

		var entityID string
		if hit, ok := tier1[norm]; ok {
			entityID = hit.ID
			if len(e.Description) > 0 {
				w.fireSummarizeDescription(hit.ID, userID, hit.Description, e.Description)
			}
			if hit.MentionCount+1 >= w.cfg.SummaryThreshold {
				w.fireGenerateEntitySummary(userID, hit.ID)
			}
		} else {
			id, err := w.resolver.Resolve(ctx, userID, resolver.Extracted{
				Name: e.Name, Type: e.Type, Description: e.Description,
			})
			if err != nil {
				slog.Warn("worker: entity resolve failed, skipping", "entity", e.Name, "error", err)
				continue
			}
			entityID = id
		}
		resolvedIDs[e.Name] = entityID

		if err := w.store.LinkMention(ctx, userID, mem.ID, entityID); err != nil {
			slog.Warn("worker: link mention failed", "entity_id", entityID, "error", err)
		}
	}

	for _, rel := range result.Relationships {
		sourceID, sourceOK := resolvedIDs[rel.Source]
		targetID, targetOK := resolvedIDs[rel.Target]
		if !sourceOK || !targetOK || sourceID == targetID {
			continue
		}
		if err := w.store.UpsertRelationship(ctx, graphstore.Relationship{
			SourceID:    sourceID,
			TargetID:    targetID,
			Type:        resolver.NormalizeEntityType(rel.Type),
			Description: rel.Description,
			UpdatedAt:   time.Now(),
		}); err != nil {
			slog.Warn("worker: upsert relationship failed", "source", sourceID, "target", targetID, "error", err)
		}
	}

	return nil
}

// fireSummarizeDescription consolidates an existing entity's stored
// description with a freshly-extracted one into <=2 sentences.
// Fire-and-forget; failure is logged only.
func (w *Worker) fireSummarizeDescription(entityID, userID, existingDesc, newDesc string) {
	if w.llm == nil || existingDesc == newDesc {
		return
	}
	w.bg.Go("worker.summarize_description", func(ctx context.Context) {
		prompt := fmt.Sprintf(
			"Merge these two descriptions of the same entity into at most two sentences, "+
				"keeping only facts present in either:\nA: %s\nB: %s", existingDesc, newDesc)
		resp, err := w.llm.Complete(ctx, llm.CompletionRequest{
			Messages:     []types.Message{{Role: "user", Content: prompt}},
			Temperature:  0,
			SystemPrompt: "You are a concise summarizer for a long-term memory store's entity descriptions.",
		})
		if err != nil {
			slog.Warn("worker: description consolidation failed", "entity_id", entityID, "error", err)
			return
		}
		merged := strings.TrimSpace(resp.Content)
		if merged == "" {
			return
		}
		entity, err := w.store.GetEntity(ctx, userID, entityID)
		if err != nil {
			slog.Warn("worker: load entity for description consolidation failed", "entity_id", entityID, "error", err)
			return
		}
		entity.Description = merged
		entity.UpdatedAt = time.Now()
		if err := w.store.UpdateEntity(ctx, *entity); err != nil {
			slog.Warn("worker: write consolidated description failed", "entity_id", entityID, "error", err)
		}
	})
}

// fireGenerateEntitySummary regenerates a full LLM-written summary for an
// entity that has accumulated enough mentions. Fire-and-forget; failure
// is logged only.
func (w *Worker) fireGenerateEntitySummary(userID, entityID string) {
	if w.llm == nil {
		return
	}
	w.bg.Go("worker.generate_entity_summary", func(ctx context.Context) {
		entity, err := w.store.GetEntity(ctx, userID, entityID)
		if err != nil {
			slog.Warn("worker: load entity for summary generation failed", "entity_id", entityID, "error", err)
			return
		}
		rels, err := w.store.GetRelationships(ctx, userID, entityID)
		if err != nil {
			slog.Warn("worker: load relationships for summary generation failed", "entity_id", entityID, "error", err)
			rels = nil
		}
		var b strings.Builder
		b.WriteString("Write a short summary of this entity given its description and known relationships.\n")
		b.WriteString("Name: " + entity.Name + "\nDescription: " + entity.Description + "\n")
		for _, r := range rels {
			b.WriteString("Relationship: " + r.Type + " -> " + r.TargetID + "\n")
		}
		resp, err := w.llm.Complete(ctx, llm.CompletionRequest{
			Messages:     []types.Message{{Role: "user", Content: b.String()}},
			Temperature:  0,
			SystemPrompt: "You are a concise summarizer for a long-term memory store's entity summaries.",
		})
		if err != nil {
			slog.Warn("worker: entity summary generation failed", "entity_id", entityID, "error", err)
			return
		}
		summary := strings.TrimSpace(resp.Content)
		if summary == "" {
			return
		}
		if entity.Metadata == nil {
			entity.Metadata = map[string]any{}
		}
		entity.Metadata["summary"] = summary
		entity.UpdatedAt = time.Now()
		if err := w.store.UpdateEntity(ctx, *entity); err != nil {
			slog.Warn("worker: write entity summary failed", "entity_id", entityID, "error", err)
		}
	})
}
