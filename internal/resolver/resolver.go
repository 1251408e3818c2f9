// Package resolver implements the three-tier entity find-or-create:
// normalized-name exact match, a person-only alias match, and an
// LLM-confirmed semantic match, falling back to a MERGE-based create when
// none of the three hit.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/pkg/provider/embeddings"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
)

// Extracted is the input to Resolve: a single entity surfaced by the
// combined extractor, not yet linked to a canonical graphstore.Entity.
type Extracted struct {
	Name        string
	Type        string
	Description string
	Metadata    map[string]any
}

// Config tunes the resolver's semantic tier and background embedding work.
// Zero values are replaced with the documented defaults by [New].
type Config struct {
	// SemanticThreshold is the minimum cosine similarity a tier-3 candidate
	// must clear before it is even offered to the LLM confirmation step.
	SemanticThreshold float64

	// SemanticCandidates caps how many tier-3 candidates are considered.
	SemanticCandidates int

	// LLMTimeout bounds the confirmation call.
	LLMTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = 0.88
	}
	if c.SemanticCandidates <= 0 {
		c.SemanticCandidates = 5
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 30 * time.Second
	}
	return c
}

// Resolver finds or creates the single canonical Entity for a user given an
// extracted entity mention.
type Resolver struct {
	store graphstore.GraphStore
	embed embeddings.Provider
	llm   llm.Provider
	cfg   Config
	bg    *bgtask.Pool
}

// New constructs a Resolver. embed and llm may be nil — the semantic tier
// and confirmation step fail open (tier miss) when either is unavailable.
func New(store graphstore.GraphStore, embed embeddings.Provider, llmClient llm.Provider, cfg Config, bg *bgtask.Pool) *Resolver {
	if bg == nil {
		bg = bgtask.NewPool(4)
	}
	return &Resolver{store: store, embed: embed, llm: llmClient, cfg: cfg.withDefaults(), bg: bg}
}

// isNormalizeSeparator reports whether r is one of the separator
// characters stripped from a display name to produce its normalized
// identity key.
func isNormalizeSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '-', '_', '.', '/', '\\':
		return true
	default:
		return false
	}
}

// NormalizedName reduces name to the resolver's identity key: lowercase,
// with runs of whitespace/hyphen/underscore/dot/slash stripped entirely
// (not collapsed to a separator — "Alice Chen" and "alice-chen" both
// normalize to "alicechen").
func NormalizedName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if !isNormalizeSeparator(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// typeRanks orders the open ontology's well-known base types. Anything not
// listed is rank 5 ("any other domain-specific type"), except
// the two explicit catch-alls CONCEPT (6) and OTHER (99).
var typeRanks = map[string]int{
	"PERSON":       1,
	"ORGANIZATION": 2,
	"LOCATION":     3,
	"PRODUCT":      4,
	"CONCEPT":      6,
	"OTHER":        99,
}

// TypeRank returns typ's rank for the type-upgrade comparison. Lower wins.
func TypeRank(typ string) int {
	if r, ok := typeRanks[typ]; ok {
		return r
	}
	if typ == "" {
		return typeRanks["OTHER"]
	}
	return 5
}

// NormalizeEntityType upper-snake-cases typ, defaulting to OTHER when empty,
// mirroring the extractor's client-side normalization rule.
func NormalizeEntityType(typ string) string {
	if strings.TrimSpace(typ) == "" {
		return "OTHER"
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(typ), " ", "_"))
}

// Resolve returns the id of the single canonical Entity for userID matching
// ext, creating one if no tier matches. The returned id always reflects the
// graph store's authoritative MERGE result, even under concurrent callers
// resolving the same name.
func (r *Resolver) Resolve(ctx context.Context, userID string, ext Extracted) (string, error) {
	ext.Type = NormalizeEntityType(ext.Type)
	norm := NormalizedName(ext.Name)

	// Tier 1: normalized exact match.
	if e, err := r.store.FindEntityByNormalizedName(ctx, userID, norm); err == nil {
		return r.applyUpdates(ctx, *e, ext)
	}

	// Tier 2: person alias match (PERSON only).
	if ext.Type == "PERSON" {
		if e, ok, err := r.personAliasMatch(ctx, userID, ext.Name); err != nil {
			return "", err
		} else if ok {
			return r.applyUpdates(ctx, e, ext)
		}
	}

	// Tier 3: LLM-confirmed semantic match.
	if e, ok := r.semanticMatch(ctx, userID, ext); ok {
		return r.applyUpdates(ctx, e, ext)
	}

	// No tier matched: find-or-create via MERGE on (userID, normalizedName).
	created, err := r.store.MergeEntity(ctx, graphstore.Entity{
		UserID:         userID,
		Name:           ext.Name,
		NormalizedName: norm,
		Type:           ext.Type,
		Description:    ext.Description,
		Metadata:       ext.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("resolver: merge entity: %w", err)
	}
	r.scheduleEmbedding(created.UserID, created.ID, created.Name, created.Description)
	return created.ID, nil
}

// personAliasMatch implements tier 2: a case-insensitive
// word-boundary prefix/suffix match between name and an existing PERSON
// entity's display name ("alice" matches "alice chen"). When more than one
// PERSON candidate matches, the candidate with the longer display name
// wins the tie-break; if the extracted name is longer still than
// the winning candidate's display name, the stored display name is
// upgraded in place.
func (r *Resolver) personAliasMatch(ctx context.Context, userID, name string) (graphstore.Entity, bool, error) {
	candidates, err := r.store.FindEntitiesByType(ctx, userID, "PERSON")
	if err != nil {
		return graphstore.Entity{}, false, fmt.Errorf("resolver: find PERSON entities: %w", err)
	}
	nameTokens := strings.Fields(strings.ToLower(name))
	if len(nameTokens) == 0 {
		return graphstore.Entity{}, false, nil
	}

	var (
		best  graphstore.Entity
		found bool
	)
	for _, c := range candidates {
		candTokens := strings.Fields(strings.ToLower(c.Name))
		if !tokenPrefixOrSuffix(nameTokens, candTokens) {
			continue
		}
		if !found || len(c.Name) > len(best.Name) {
			best, found = c, true
		}
	}
	if !found {
		return graphstore.Entity{}, false, nil
	}

	if len(name) > len(best.Name) {
		best.Name = name
		if err := r.store.UpdateEntity(ctx, best); err != nil {
			return graphstore.Entity{}, false, fmt.Errorf("resolver: upgrade alias display name: %w", err)
		}
	}
	return best, true, nil
}

// tokenPrefixOrSuffix reports whether a is a whole-word prefix or suffix of
// b (or vice versa), e.g. ["alice"] against ["alice","chen"].
func tokenPrefixOrSuffix(a, b []string) bool {
	short, long := a, b
	if len(a) > len(b) {
		short, long = b, a
	}
	if len(short) == 0 || len(short) >= len(long)+1 {
		return false
	}
	if equalTokens(short, long[:len(short)]) {
		return true
	}
	if equalTokens(short, long[len(long)-len(short):]) {
		return true
	}
	return false
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// semanticMatch implements tier 3: embed name+description, search the
// vector index for candidates above the configured threshold, and ask the
// LLM to confirm the best one. Any embed/LLM failure fails open (no match)
// rather than surfacing an error.
func (r *Resolver) semanticMatch(ctx context.Context, userID string, ext Extracted) (graphstore.Entity, bool) {
	if r.embed == nil || r.llm == nil {
		return graphstore.Entity{}, false
	}
	queryText := ext.Name + ": " + ext.Description
	vec, err := r.embed.Embed(ctx, queryText)
	if err != nil {
		slog.Warn("resolver: semantic tier embed failed, failing open", "error", err)
		return graphstore.Entity{}, false
	}
	hits, err := r.store.SearchEntitiesByVector(ctx, userID, vec, r.cfg.SemanticCandidates)
	if err != nil {
		slog.Warn("resolver: semantic tier vector search failed, failing open", "error", err)
		return graphstore.Entity{}, false
	}
	var best *graphstore.EntityVectorHit
	for i := range hits {
		if hits[i].Similarity < r.cfg.SemanticThreshold {
			continue
		}
		if best == nil || hits[i].Similarity > best.Similarity {
			best = &hits[i]
		}
	}
	if best == nil {
		return graphstore.Entity{}, false
	}
	same, err := r.confirmSame(ctx, ext, best.Entity)
	if err != nil {
		slog.Warn("resolver: semantic tier confirmation failed, failing open", "error", err)
		return graphstore.Entity{}, false
	}
	if !same {
		return graphstore.Entity{}, false
	}
	return best.Entity, true
}

type confirmResponse struct {
	Same bool `json:"same"`
}

// confirmSame asks the LLM whether candidate is the same real-world entity
// as ext. Merge proceeds only on an explicit true.
func (r *Resolver) confirmSame(ctx context.Context, ext Extracted, candidate graphstore.Entity) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Entity A: name=%q type=%q description=%q\nEntity B: name=%q type=%q description=%q\n"+
			"Do these refer to the same real-world entity? Respond with JSON {\"same\": true|false} only.",
		ext.Name, ext.Type, ext.Description,
		candidate.Name, candidate.Type, candidate.Description,
	)
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		JSONMode:    true,
		SystemPrompt: "You are an entity-resolution judge for a long-term memory store. " +
			"Answer only with the requested JSON object.",
	})
	if err != nil {
		return false, fmt.Errorf("resolver: llm confirmation: %w", err)
	}
	var parsed confirmResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return false, fmt.Errorf("resolver: parse confirmation response: %w", err)
	}
	return parsed.Same, nil
}

// applyUpdates applies the type-upgrade, description-upgrade, and
// metadata-merge rules to an existing matched entity and persists the
// result if anything changed.
func (r *Resolver) applyUpdates(ctx context.Context, existing graphstore.Entity, ext Extracted) (string, error) {
	changed := false

	if TypeRank(ext.Type) < TypeRank(existing.Type) {
		existing.Type = ext.Type
		changed = true
	}
	if len(ext.Description) > len(existing.Description) {
		existing.Description = ext.Description
		changed = true
	}
	if len(ext.Metadata) > 0 {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]any, len(ext.Metadata))
		}
		for k, v := range ext.Metadata {
			existing.Metadata[k] = v
		}
		changed = true
	}

	if changed {
		existing.UpdatedAt = time.Now()
		if err := r.store.UpdateEntity(ctx, existing); err != nil {
			return "", fmt.Errorf("resolver: update matched entity: %w", err)
		}
		if len(ext.Description) > 0 {
			r.scheduleEmbedding(existing.UserID, existing.ID, existing.Name, existing.Description)
		}
	}
	return existing.ID, nil
}

// scheduleEmbedding computes and writes the entity's description embedding
// in the background; failure is logged, never fatal.
func (r *Resolver) scheduleEmbedding(userID, entityID, name, description string) {
	if r.embed == nil || entityID == "" {
		return
	}
	text := name + ": " + description
	r.bg.Go("resolver.embed", func(ctx context.Context) {
		vec, err := r.embed.Embed(ctx, text)
		if err != nil {
			slog.Warn("resolver: background description embedding failed", "entity_id", entityID, "error", err)
			return
		}
		if err := r.store.SetEntityEmbedding(ctx, userID, entityID, vec); err != nil {
			slog.Warn("resolver: writing description embedding failed", "entity_id", entityID, "error", err)
		}
	})
}
