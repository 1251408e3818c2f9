package rpc

import (
	"context"
	"testing"

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
	"github.com/memforge/core/internal/search"
	"github.com/memforge/core/internal/worker"
	"github.com/memforge/core/pkg/provider/embeddings"
	embmock "github.com/memforge/core/pkg/provider/embeddings/mock"
	"github.com/memforge/core/pkg/provider/llm"
	llmmock "github.com/memforge/core/pkg/provider/llm/mock"
)

func newTestServer(t *testing.T, store graphstore.GraphStore, embed embeddings.Provider) *Server {
	t.Helper()
	// The fixed mock embedding makes every text look identical to the dedup
	// check; disable it so these tests exercise the tool surface, not dedup.
	err := store.PutConfigDoc(context.Background(), graphstore.ConfigDoc{DedupEnabled: false, DedupThreshold: 0.75})
	require.NoError(t, err)
	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[],"relationships":[]}`,
	}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	bg := bgtask.NewPool(4)
	w := worker.New(store, e, r, nil, bg, worker.Config{})
	d := dedup.New(store, embed, nil, 0)
	classifier := intent.New(nil)
	pipeline := ingest.New(store, d, classifier, w, embed, bg, ingest.Config{})
	searcher := search.New(store, embed, bg, search.Config{})
	return New(pipeline, searcher, Identity{UserID: "u1", AppName: "testapp"})
}

func TestAddMemories_SingleStringContent(t *testing.T) {
	store := memstore.New()
	s := newTestServer(t, store, &embmock.Provider{EmbedResult: []float32{1, 0}})

	in := AddMemoriesInput{Content: []byte(`"Alice prefers TypeScript"`)}
	_, res, err := s.addMemories(context.Background(), nil, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	require.Len(t, res.IDs, 1)
}

func TestAddMemories_ArrayContentStoresEach(t *testing.T) {
	store := memstore.New()
	s := newTestServer(t, store, &embmock.Provider{EmbedResult: []float32{1, 0}})

	in := AddMemoriesInput{Content: []byte(`["first note", "second note"]`)}
	_, res, err := s.addMemories(context.Background(), nil, in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Len(t, res.IDs, 2)
}

func TestAddMemories_EmptyContentErrors(t *testing.T) {
	store := memstore.New()
	s := newTestServer(t, store, &embmock.Provider{EmbedResult: []float32{1, 0}})

	in := AddMemoriesInput{Content: []byte(`""`)}
	_, _, err := s.addMemories(context.Background(), nil, in)
	assert.Error(t, err)
}

func TestAddMemories_EmptyArrayIsNoOp(t *testing.T) {
	store := memstore.New()
	s := newTestServer(t, store, &embmock.Provider{EmbedResult: []float32{1, 0}})

	in := AddMemoriesInput{Content: []byte(`[]`)}
	_, res, err := s.addMemories(context.Background(), nil, in)
	require.NoError(t, err)
	assert.Equal(t, ingest.Result{}, res)

	_, out, err := s.searchMemory(context.Background(), nil, SearchMemoryInput{})
	require.NoError(t, err)
	browse, ok := out.(*search.BrowseResponse)
	require.True(t, ok)
	assert.Zero(t, browse.Total)
}

func TestAddMemories_ReplacesIgnoredForMultiItemBatch(t *testing.T) {
	store := memstore.New()
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	s := newTestServer(t, store, embed)

	_, first, err := s.addMemories(context.Background(), nil, AddMemoriesInput{Content: []byte(`"old note"`)})
	require.NoError(t, err)
	require.Len(t, first.IDs, 1)

	_, res, err := s.addMemories(context.Background(), nil, AddMemoriesInput{
		Content:  []byte(`["note one", "note two"]`),
		Replaces: first.IDs[0],
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored, "replaces must not apply across a multi-item batch")
}

func TestSearchMemory_QueryReturnsSearchResponse(t *testing.T) {
	store := memstore.New()
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	s := newTestServer(t, store, embed)

	_, res, err := s.addMemories(context.Background(), nil, AddMemoriesInput{
		Content: []byte(`"the launch plan is due Friday"`),
	})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)

	_, out, err := s.searchMemory(context.Background(), nil, SearchMemoryInput{Query: "launch plan"})
	require.NoError(t, err)

	resp, ok := out.(*search.Response)
	require.True(t, ok)
	assert.True(t, resp.Confident)
	require.Len(t, resp.Results, 1)
}

func TestSearchMemory_EmptyQueryBrowses(t *testing.T) {
	store := memstore.New()
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	s := newTestServer(t, store, embed)

	_, _, err := s.addMemories(context.Background(), nil, AddMemoriesInput{
		Content: []byte(`"a browsable note"`),
	})
	require.NoError(t, err)

	_, out, err := s.searchMemory(context.Background(), nil, SearchMemoryInput{})
	require.NoError(t, err)

	browse, ok := out.(*search.BrowseResponse)
	require.True(t, ok)
	assert.Equal(t, 1, browse.Total)
}

func TestSearchMemory_InvalidCreatedAfterErrors(t *testing.T) {
	store := memstore.New()
	s := newTestServer(t, store, &embmock.Provider{EmbedResult: []float32{1, 0}})

	_, _, err := s.searchMemory(context.Background(), nil, SearchMemoryInput{
		Query: "anything", CreatedAfter: "not-a-date",
	})
	assert.Error(t, err)
}

func TestSearchMemory_IncludeEntitiesFalseOverridesDefault(t *testing.T) {
	store := memstore.New()
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	s := newTestServer(t, store, embed)

	_, _, err := s.addMemories(context.Background(), nil, AddMemoriesInput{
		Content: []byte(`"Alice is working on the launch plan"`),
	})
	require.NoError(t, err)

	no := false
	_, out, err := s.searchMemory(context.Background(), nil, SearchMemoryInput{
		Query: "launch plan", IncludeEntities: &no,
	})
	require.NoError(t, err)
	resp, ok := out.(*search.Response)
	require.True(t, ok)
	assert.Empty(t, resp.Entities)
}
