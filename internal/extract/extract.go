// Package extract implements the combined entity+relationship extractor
// with gleaning: a single LLM call returns both arrays, normalized
// client-side, followed by up to MaxGleanings additional passes that ask
// only for what earlier passes missed.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
)

// Entity is a single extracted entity mention, normalized client-side.
type Entity struct {
	Name        string
	Type        string
	Description string
}

// Relationship is a single extracted relationship between two entity
// names (not yet resolved to ids).
type Relationship struct {
	Source      string
	Target      string
	Type        string
	Description string
}

// Result is the output of a full extraction (all gleaning passes merged).
type Result struct {
	Entities      []Entity
	Relationships []Relationship
}

// Options configures a single Extract call.
type Options struct {
	// MaxGleanings caps additional passes beyond the first. Clamped to
	// [0, 3].
	MaxGleanings int

	// CoReferenceContext carries up to 3 previous user memories, used only
	// to resolve pronouns — never as an extraction source. Truncated to the
	// 3 oldest-first entries if longer.
	CoReferenceContext []string

	// Timeout bounds each individual LLM call.
	Timeout time.Duration
}

func (o Options) clamp() Options {
	if o.MaxGleanings < 0 {
		o.MaxGleanings = 0
	}
	if o.MaxGleanings > 3 {
		o.MaxGleanings = 3
	}
	if len(o.CoReferenceContext) > 3 {
		o.CoReferenceContext = o.CoReferenceContext[:3]
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Extractor performs single-call entity+relationship extraction with
// gleaning. The zero value is not usable; construct with [New].
type Extractor struct {
	llm llm.Provider
}

// New constructs an Extractor backed by client.
func New(client llm.Provider) *Extractor {
	return &Extractor{llm: client}
}

// rawExtraction mirrors the JSON shape the LLM is asked to emit.
type rawExtraction struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relationships []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"relationships"`
}

// Extract runs the first pass plus up to opts.MaxGleanings additional
// gleaning passes over content. All exceptions collapse to whatever has
// already been collected; extraction never fails the write path.
func (e *Extractor) Extract(ctx context.Context, content string, opts Options) Result {
	opts = opts.clamp()
	if e.llm == nil {
		return Result{}
	}

	seenEntities := make(map[string]bool)
	seenRels := make(map[string]bool)
	var result Result

	raw, err := e.callPass(ctx, content, opts, nil)
	if err != nil {
		slog.Warn("extract: first pass failed", "error", err)
		return result
	}
	added := mergeInto(&result, raw, seenEntities, seenRels)
	if added == 0 {
		return result
	}

	for pass := 0; pass < opts.MaxGleanings; pass++ {
		known := entityNames(result.Entities)
		raw, err := e.callPass(ctx, content, opts, known)
		if err != nil {
			slog.Warn("extract: gleaning pass failed", "pass", pass, "error", err)
			break
		}
		added := mergeInto(&result, raw, seenEntities, seenRels)
		if added == 0 {
			break
		}
	}

	return result
}

func entityNames(entities []Entity) []string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return names
}

// callPass issues a single completion request and parses its JSON body.
// knownEntities is nil for the first pass; non-nil for gleaning passes,
// which ask only for entities/relationships not already found.
func (e *Extractor) callPass(ctx context.Context, content string, opts Options, knownEntities []string) (rawExtraction, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Extract entities and relationships from the following text. ")
	b.WriteString("Return JSON of the form {\"entities\":[{\"name\":...,\"type\":...,\"description\":...}],")
	b.WriteString("\"relationships\":[{\"source\":...,\"target\":...,\"type\":...,\"description\":...}]}.\n\n")

	if len(opts.CoReferenceContext) > 0 {
		b.WriteString("Prior memories, provided only to resolve pronouns — do NOT extract entities or relationships from these:\n")
		for _, m := range opts.CoReferenceContext {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(knownEntities) > 0 {
		b.WriteString("Already extracted entities (do not repeat these, only find NEW entities/relationships): ")
		b.WriteString(strings.Join(knownEntities, ", "))
		b.WriteString("\n\n")
	}

	b.WriteString("Text:\n")
	b.WriteString(content)

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		Temperature:  0,
		JSONMode:     true,
		SystemPrompt: "You are an information-extraction engine for a long-term memory store. Respond only with the requested JSON.",
	})
	if err != nil {
		return rawExtraction{}, fmt.Errorf("extract: llm call: %w", err)
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
		return rawExtraction{}, fmt.Errorf("extract: parse response: %w", err)
	}
	return raw, nil
}

// mergeInto folds raw's entities/relationships into result, deduping
// case-insensitively by entity name and by (source,target,type) triple.
// Returns the number of genuinely new items added, used to decide whether
// another gleaning pass is worthwhile.
func mergeInto(result *Result, raw rawExtraction, seenEntities, seenRels map[string]bool) int {
	added := 0
	for _, e := range raw.Entities {
		if e.Name == "" {
			continue
		}
		key := strings.ToLower(e.Name)
		if seenEntities[key] {
			continue
		}
		seenEntities[key] = true
		result.Entities = append(result.Entities, Entity{
			Name:        e.Name,
			Type:        resolver.NormalizeEntityType(e.Type),
			Description: e.Description,
		})
		added++
	}
	for _, r := range raw.Relationships {
		if r.Source == "" || r.Target == "" || r.Type == "" {
			continue // required fields missing: discard
		}
		key := strings.ToLower(r.Source) + "|" + strings.ToLower(r.Target) + "|" + strings.ToUpper(r.Type)
		if seenRels[key] {
			continue
		}
		seenRels[key] = true
		result.Relationships = append(result.Relationships, Relationship{
			Source:      r.Source,
			Target:      r.Target,
			Type:        resolver.NormalizeEntityType(r.Type),
			Description: r.Description,
		})
		added++
	}
	return added
}
