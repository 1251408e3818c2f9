package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memforge/core/internal/bgtask"
	"github.com/memforge/core/internal/extract"
	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/graphstore/memstore"
	"github.com/memforge/core/internal/resolver"
	"github.com/memforge/core/internal/worker"
	"github.com/memforge/core/pkg/provider/llm"
	llmmock "github.com/memforge/core/pkg/provider/llm/mock"
)

func seedMemory(t *testing.T, store *memstore.Store, userID, content string) graphstore.Memory {
	t.Helper()
	m, err := store.CreateMemory(context.Background(), graphstore.Memory{
		UserID: userID, Content: content, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	return m
}

func TestRun_NewEntityResolvedAndLinked(t *testing.T) {
	store := memstore.New()
	mem := seedMemory(t, store, "u1", "Alice is a developer.")

	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[{"name":"Alice","type":"person","description":"a developer"}],"relationships":[]}`,
	}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	w := worker.New(store, e, r, nil, bgtask.NewPool(2), worker.Config{})

	err := w.Run(context.Background(), "u1", mem.ID)
	require.NoError(t, err)

	got, err := store.GetMemory(context.Background(), "u1", mem.ID)
	require.NoError(t, err)
	assert.Equal(t, graphstore.ExtractionDone, got.ExtractionStatus)

	entities, err := store.EntitiesForMemory(context.Background(), "u1", mem.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestRun_SkipsWhenAlreadyDone(t *testing.T) {
	store := memstore.New()
	mem := seedMemory(t, store, "u1", "content")
	require.NoError(t, store.SetExtractionStatus(context.Background(), "u1", mem.ID, graphstore.ExtractionDone, 1, ""))

	extractLLM := &llmmock.Provider{}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	w := worker.New(store, e, r, nil, nil, worker.Config{})

	err := w.Run(context.Background(), "u1", mem.ID)
	require.NoError(t, err)
	assert.Empty(t, extractLLM.CompleteCalls, "already-done memories must not be re-extracted")
}

func TestRun_RelationshipLinkedBetweenResolvedEntities(t *testing.T) {
	store := memstore.New()
	mem := seedMemory(t, store, "u1", "Alice works with Bob.")

	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[{"name":"Alice","type":"PERSON"},{"name":"Bob","type":"PERSON"}],` +
			`"relationships":[{"source":"Alice","target":"Bob","type":"works_with","description":"coworkers"}]}`,
	}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	w := worker.New(store, e, r, nil, bgtask.NewPool(2), worker.Config{})

	require.NoError(t, w.Run(context.Background(), "u1", mem.ID))

	entities, err := store.EntitiesForMemory(context.Background(), "u1", mem.ID, 10)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	var aliceID string
	for _, ent := range entities {
		if ent.Name == "Alice" {
			aliceID = ent.ID
		}
	}
	require.NotEmpty(t, aliceID)

	rels, err := store.GetRelationships(context.Background(), "u1", aliceID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "WORKS_WITH", rels[0].Type)
}

func TestRun_UnknownMemoryReturnsError(t *testing.T) {
	store := memstore.New()
	extractLLM := &llmmock.Provider{}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	w := worker.New(store, e, r, nil, nil, worker.Config{})

	err := w.Run(context.Background(), "u1", "no-such-memory")
	assert.Error(t, err)
}

func TestRun_EmptyExtractionStillMarksDone(t *testing.T) {
	store := memstore.New()
	mem := seedMemory(t, store, "u1", "content with nothing to extract")

	extractLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[],"relationships":[]}`,
	}}
	e := extract.New(extractLLM)
	r := resolver.New(store, nil, nil, resolver.Config{}, nil)
	w := worker.New(store, e, r, nil, nil, worker.Config{})

	require.NoError(t, w.Run(context.Background(), "u1", mem.ID))
	got, err := store.GetMemory(context.Background(), "u1", mem.ID)
	require.NoError(t, err)
	assert.Equal(t, graphstore.ExtractionDone, got.ExtractionStatus)
}
