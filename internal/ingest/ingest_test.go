package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/dedup"
	"github.com/memforge/core/internal/extract"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/graphstore/memstore"
	"github.com/memforge/core/internal/ingest"
	"github.com/memforge/core/internal/intent"
	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/internal/worker"
	"github.com/memforge/core/pkg/provider/embeddings"
	embmock "github.com/memforge/core/pkg/provider/embeddings/mock"
	"github.com/memforge/core/pkg/provider/llm"
	llmmock "github.com/memforge/core/pkg/provider/llm/mock"
)

func newPipeline(store graphstore.GraphStore, embed embeddings.Provider, cfg ingest.Config) *ingest.Pipeline {
	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[],"relationships":[]}`,
	}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	bg := bgtask.NewPool(4)
	w := worker.New(store, e, r, nil, bg, worker.Config{})
	d := dedup.New(store, embed, nil, 0)
	classifier := intent.New(nil) // nil LLM: every item classifies as STORE
	return ingest.New(store, d, classifier, w, embed, bg, cfg)
}

func TestAdd_AddThenSkipDuplicate(t *testing.T) {
	store := memstore.New()
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	require.NoError(t, store.PutConfigDoc(context.Background(), graphstore.ConfigDoc{DedupEnabled: true, DedupThreshold: 0.75}))

	p := newPipeline(store, embed, ingest.Config{})
	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "Alice prefers TypeScript"},
		{Content: "Alice prefers TypeScript"},
	})

	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.IDs, 1)

	mem, err := store.GetMemory(context.Background(), "u1", res.IDs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, mem.Embedding, "stored memory must carry its content embedding for future dedup and vector search")
}

func TestAdd_SupersedePreservesTagUnion(t *testing.T) {
	store := memstore.New()
	existing, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: "u1", Content: "Old preference", Tags: []string{"audit-17"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	p := newPipeline(store, nil, ingest.Config{})
	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "Updated preference", Tags: []string{"audit-18"}, Replaces: existing.ID},
	})

	assert.Equal(t, 1, res.Superseded)
	require.Len(t, res.IDs, 1)

	newMem, err := store.GetMemory(context.Background(), "u1", res.IDs[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"audit-17", "audit-18"}, newMem.Tags)

	oldMem, err := store.GetMemory(context.Background(), "u1", existing.ID)
	require.NoError(t, err)
	assert.NotNil(t, oldMem.InvalidAt)
}

func TestAdd_EmptyBatchNoSideEffects(t *testing.T) {
	store := memstore.New()
	p := newPipeline(store, nil, ingest.Config{})
	res := p.Add(context.Background(), "u1", "testapp", nil)
	assert.Equal(t, ingest.Result{}, res)
}

func TestAdd_IntraBatchDedupAcrossWhitespaceAndCase(t *testing.T) {
	store := memstore.New()
	p := newPipeline(store, nil, ingest.Config{})
	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "Alice   likes tea"},
		{Content: "alice likes tea"},
	})
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Skipped)
}

func TestAdd_CategoriesLinkedToMemory(t *testing.T) {
	store := memstore.New()
	p := newPipeline(store, nil, ingest.Config{})
	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "Project kickoff notes", Categories: []string{"Work"}},
	})
	require.Len(t, res.IDs, 1)
	mem, err := store.GetMemory(context.Background(), "u1", res.IDs[0])
	require.NoError(t, err)
	assert.Contains(t, mem.Categories, "Work")
}

func TestAdd_InvalidateMatchesMultiple(t *testing.T) {
	store := memstore.New()
	m1, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: "u1", Content: "Alice phone number is 555-1111", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.SetMemoryEmbedding(context.Background(), "u1", m1.ID, []float32{1, 0}))

	m2, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: "u1", Content: "Alice old phone number was 555-2222", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.SetMemoryEmbedding(context.Background(), "u1", m2.ID, []float32{1, 0}))

	// unrelated memory, orthogonal embedding, should not be invalidated.
	m3, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: "u1", Content: "Bob likes hiking", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.SetMemoryEmbedding(context.Background(), "u1", m3.ID, []float32{0, 1}))

	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"entities":[],"relationships":[]}`}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	bg := bgtask.NewPool(4)
	w := worker.New(store, e, r, nil, bg, worker.Config{})
	d := dedup.New(store, embed, nil, 0)
	classifierLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"intent":"INVALIDATE","target":"Alice phone number"}`,
	}}
	classifier := intent.New(classifierLLM)
	p := ingest.New(store, d, classifier, w, embed, bg, ingest.Config{})

	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "Forget Alice phone number"},
	})

	assert.Equal(t, 2, res.Invalidated)

	got1, err := store.GetMemory(context.Background(), "u1", m1.ID)
	require.NoError(t, err)
	assert.NotNil(t, got1.InvalidAt)
	got2, err := store.GetMemory(context.Background(), "u1", m2.ID)
	require.NoError(t, err)
	assert.NotNil(t, got2.InvalidAt)
	got3, err := store.GetMemory(context.Background(), "u1", m3.ID)
	require.NoError(t, err)
	assert.Nil(t, got3.InvalidAt)
}

func TestAdd_DrainBudgetReturnsWithinBatchCap(t *testing.T) {
	store := memstore.New()
	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"entities":[],"relationships":[]}`}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	bg := bgtask.NewPool(8)

	// The worker itself is fast here; the test verifies the batch-wide
	// drain budget caps total wait with a tight budget across many items.
	slowWorker := worker.New(store, e, r, nil, bg, worker.Config{})

	d := dedup.New(store, nil, nil, 0)
	classifier := intent.New(nil)
	cfg := ingest.Config{PerItemDrain: 50 * time.Millisecond, BatchDrainBudget: 100 * time.Millisecond}
	p := ingest.New(store, d, classifier, slowWorker, nil, bg, cfg)

	items := make([]ingest.Item, 5)
	for i := range items {
		items[i] = ingest.Item{Content: "distinct content number " + string(rune('A'+i))}
	}

	start := time.Now()
	res := p.Add(context.Background(), "u1", "testapp", items)
	elapsed := time.Since(start)

	assert.Equal(t, 5, res.Stored)
	assert.Less(t, elapsed, 2*time.Second, "batch must not block beyond its drain budget")
}

func TestAdd_TouchRefreshesUpdatedAtAndMergesTags(t *testing.T) {
	store := memstore.New()
	mem, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: "u1", Content: "the tavern note", Tags: []string{"draft"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.SetMemoryEmbedding(context.Background(), "u1", mem.ID, []float32{1, 0}))

	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	extractLLM := &llmmock.Provider{}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	bg := bgtask.NewPool(4)
	w := worker.New(store, e, r, nil, bg, worker.Config{})
	d := dedup.New(store, embed, nil, 0)
	classifierLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"intent":"TOUCH","target":"the tavern note"}`,
	}}
	classifier := intent.New(classifierLLM)
	p := ingest.New(store, d, classifier, w, embed, bg, ingest.Config{})

	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "bump the tavern note", Tags: []string{"reviewed"}},
	})

	assert.Equal(t, 1, res.Touched)
	require.Len(t, res.TouchedIDs, 1)
	got, err := store.GetMemory(context.Background(), "u1", res.TouchedIDs[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"draft", "reviewed"}, got.Tags)
}

func TestAdd_DeleteEntityByName(t *testing.T) {
	store := memstore.New()
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	entID, err := r.Resolve(context.Background(), "u1", resolver.Extracted{Name: "Alice Chen", Type: "PERSON"})
	require.NoError(t, err)

	extractLLM := &llmmock.Provider{}
	e := extract.New(extractLLM)
	bg := bgtask.NewPool(4)
	w := worker.New(store, e, r, nil, bg, worker.Config{})
	d := dedup.New(store, nil, nil, 0)
	classifierLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"intent":"DELETE_ENTITY","entity_name":"Alice Chen"}`,
	}}
	classifier := intent.New(classifierLLM)
	p := ingest.New(store, d, classifier, w, nil, bg, ingest.Config{})

	res := p.Add(context.Background(), "u1", "testapp", []ingest.Item{
		{Content: "delete everything about Alice Chen"},
	})

	assert.Equal(t, "Alice Chen", res.Deleted)
	_, err = store.GetEntity(context.Background(), "u1", entID)
	assert.Error(t, err, "entity must be gone after DELETE_ENTITY")
}
