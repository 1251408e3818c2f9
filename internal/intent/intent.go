// Package intent implements the single-call intent classifier: map a raw
// utterance to a write-pipeline intent, failing open to Store on any
// exception or parse failure.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memforge/core/pkg/provider/llm"
	"github.com/memforge/core/pkg/types"
)

// Kind is one of the intents the classifier can return.
type Kind string

const (
	Store        Kind = "STORE"
	Invalidate   Kind = "INVALIDATE"
	DeleteEntity Kind = "DELETE_ENTITY"
	Touch        Kind = "TOUCH"
	Resolve      Kind = "RESOLVE"
)

// Intent is the classifier's verdict for a single utterance.
type Intent struct {
	Kind Kind

	// Target is the natural-language description of the memory the intent
	// refers to, set for Invalidate, Touch, and Resolve.
	Target string

	// EntityName / EntityID identify the entity for DeleteEntity; at least
	// one is set when Kind == DeleteEntity.
	EntityName string
	EntityID   string
}

// Classifier maps raw utterances to intents via a single LLM call.
type Classifier struct {
	llm     llm.Provider
	timeout time.Duration
}

// New constructs a Classifier backed by client. A nil client causes
// Classify to always fail open to Store.
func New(client llm.Provider) *Classifier {
	return &Classifier{llm: client, timeout: 15 * time.Second}
}

type rawIntent struct {
	Intent     string `json:"intent"`
	Target     string `json:"target"`
	EntityName string `json:"entity_name"`
	EntityID   string `json:"entity_id"`
}

// Classify returns the intent for utterance. Any LLM failure or malformed
// response fails open to {Kind: Store}; the write pipeline must never be
// blocked by a classification error.
func (c *Classifier) Classify(ctx context.Context, utterance string) Intent {
	if c.llm == nil {
		return Intent{Kind: Store}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Classify the following user utterance into exactly one memory-pipeline intent. ")
	b.WriteString("Respond with JSON only, of the form ")
	b.WriteString(`{"intent":"STORE|INVALIDATE|DELETE_ENTITY|TOUCH|RESOLVE","target":"...","entity_name":"...","entity_id":"..."}. `)
	b.WriteString("Use \"target\" for INVALIDATE/TOUCH/RESOLVE to describe which memory is meant in natural language. ")
	b.WriteString("Use \"entity_name\" or \"entity_id\" for DELETE_ENTITY. Omit fields that do not apply. ")
	b.WriteString("If in doubt, prefer STORE.\n\nUtterance:\n")
	b.WriteString(utterance)

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		Temperature:  0,
		JSONMode:     true,
		SystemPrompt: "You are an intent classifier for a long-term memory store. Respond only with the requested JSON.",
	})
	if err != nil {
		slog.Warn("intent: classify failed, falling open to STORE", "error", err)
		return Intent{Kind: Store}
	}

	var raw rawIntent
	if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
		slog.Warn("intent: parse failed, falling open to STORE", "error", fmt.Errorf("intent: parse response: %w", err))
		return Intent{Kind: Store}
	}

	switch Kind(strings.ToUpper(strings.TrimSpace(raw.Intent))) {
	case Invalidate:
		if raw.Target == "" {
			return Intent{Kind: Store}
		}
		return Intent{Kind: Invalidate, Target: raw.Target}
	case DeleteEntity:
		if raw.EntityName == "" && raw.EntityID == "" {
			return Intent{Kind: Store}
		}
		return Intent{Kind: DeleteEntity, EntityName: raw.EntityName, EntityID: raw.EntityID}
	case Touch:
		if raw.Target == "" {
			return Intent{Kind: Store}
		}
		return Intent{Kind: Touch, Target: raw.Target}
	case Resolve:
		if raw.Target == "" {
			return Intent{Kind: Store}
		}
		return Intent{Kind: Resolve, Target: raw.Target}
	default:
		return Intent{Kind: Store}
	}
}
