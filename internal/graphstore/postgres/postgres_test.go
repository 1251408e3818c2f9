package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memforge/core/internal/graphstore"
	"github.com/memforge/core/internal/graphstore/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MEMFORGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMFORGE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and
// registers a cleanup to close it when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(cleanPool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS mentions CASCADE",
		"DROP TABLE IF EXISTS relationships CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
		"DROP TABLE IF EXISTS memories CASCADE",
		"DROP TABLE IF EXISTS categories CASCADE",
		"DROP TABLE IF EXISTS access_log CASCADE",
		"DROP TABLE IF EXISTS config_doc CASCADE",
	} {
		_, err := cleanPool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustEntity(t *testing.T, ctx context.Context, store *postgres.Store, userID, name, typ string) graphstore.Entity {
	t.Helper()
	e, err := store.MergeEntity(ctx, graphstore.Entity{
		UserID: userID, Name: name, NormalizedName: name, Type: typ,
	})
	require.NoError(t, err)
	return e
}

func mustMemory(t *testing.T, ctx context.Context, store *postgres.Store, userID, content string) graphstore.Memory {
	t.Helper()
	m, err := store.CreateMemory(ctx, graphstore.Memory{UserID: userID, Content: content})
	require.NoError(t, err)
	return m
}

func TestRelationships_UpsertKeepsLongerDescription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustEntity(t, ctx, store, "u1", "alice", "PERSON")
	b := mustEntity(t, ctx, store, "u1", "acme", "ORGANIZATION")

	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{
		SourceID: a.ID, TargetID: b.ID, Type: "WORKS_AT", Description: "short",
	}))
	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{
		SourceID: a.ID, TargetID: b.ID, Type: "WORKS_AT", Description: "a much longer description",
	}))

	rels, err := store.GetRelationships(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "a much longer description", rels[0].Description)

	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{
		SourceID: a.ID, TargetID: b.ID, Type: "WORKS_AT", Description: "x",
	}))
	rels, err = store.GetRelationships(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "a much longer description", rels[0].Description, "shorter incoming description must not replace the longer stored one")
}

func TestRelationships_DirectionAndTypeFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustEntity(t, ctx, store, "u1", "alice", "PERSON")
	b := mustEntity(t, ctx, store, "u1", "bob", "PERSON")
	c := mustEntity(t, ctx, store, "u1", "acme", "ORGANIZATION")

	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{SourceID: a.ID, TargetID: b.ID, Type: "KNOWS"}))
	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{SourceID: a.ID, TargetID: c.ID, Type: "WORKS_AT"}))

	out, err := store.GetRelationships(ctx, "u1", a.ID, graphstore.WithOutgoing())
	require.NoError(t, err)
	assert.Len(t, out, 2)

	knowsOnly, err := store.GetRelationships(ctx, "u1", a.ID, graphstore.WithRelTypes("KNOWS"))
	require.NoError(t, err)
	require.Len(t, knowsOnly, 1)
	assert.Equal(t, "KNOWS", knowsOnly[0].Type)

	incoming, err := store.GetRelationships(ctx, "u1", b.ID, graphstore.WithIncoming())
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, a.ID, incoming[0].SourceID)

	require.NoError(t, store.DeleteRelationship(ctx, "u1", a.ID, b.ID, "KNOWS"))
	after, err := store.GetRelationships(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.Len(t, after, 1)

	require.NoError(t, store.DeleteRelationshipsForEntity(ctx, "u1", a.ID))
	after, err = store.GetRelationships(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestTraversal_NeighborsAndSubgraph(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grimjaw := mustEntity(t, ctx, store, "u1", "grimjaw", "PERSON")
	elara := mustEntity(t, ctx, store, "u1", "elara", "PERSON")
	guild := mustEntity(t, ctx, store, "u1", "guild", "ORGANIZATION")
	tower := mustEntity(t, ctx, store, "u1", "tower", "LOCATION")

	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{SourceID: grimjaw.ID, TargetID: elara.ID, Type: "KNOWS"}))
	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{SourceID: grimjaw.ID, TargetID: guild.ID, Type: "MEMBER_OF"}))
	require.NoError(t, store.UpsertRelationship(ctx, graphstore.Relationship{SourceID: elara.ID, TargetID: tower.ID, Type: "LOCATED_AT"}))

	n1, err := store.Neighbors(ctx, "u1", grimjaw.ID, 1)
	require.NoError(t, err)
	assert.Len(t, n1, 2)

	n2, err := store.Neighbors(ctx, "u1", grimjaw.ID, 2)
	require.NoError(t, err)
	assert.Len(t, n2, 3)

	nFiltered, err := store.Neighbors(ctx, "u1", grimjaw.ID, 2, graphstore.TraverseNodeTypes("LOCATION"))
	require.NoError(t, err)
	require.Len(t, nFiltered, 1)
	assert.Equal(t, tower.ID, nFiltered[0].ID)

	entities, rels, err := store.Subgraph(ctx, "u1", grimjaw.ID, 2)
	require.NoError(t, err)
	assert.Len(t, entities, 3)
	assert.Len(t, rels, 3)
}

func TestMentions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, ctx, store, "u1", "Alice works at Acme")
	alice := mustEntity(t, ctx, store, "u1", "alice", "PERSON")
	acme := mustEntity(t, ctx, store, "u1", "acme", "ORGANIZATION")

	require.NoError(t, store.LinkMention(ctx, "u1", m.ID, alice.ID))
	require.NoError(t, store.LinkMention(ctx, "u1", m.ID, acme.ID))
	require.NoError(t, store.LinkMention(ctx, "u1", m.ID, alice.ID), "linking the same mention twice must be idempotent")

	ents, err := store.EntitiesForMemory(ctx, "u1", m.ID, 0)
	require.NoError(t, err)
	assert.Len(t, ents, 2)

	count, err := store.MemoryCountForEntity(ctx, "u1", alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustMemory(t, ctx, store, "u1", "content")

	require.NoError(t, store.RecordAccess(ctx, "u1", "app1", m.ID, time.Now()))
	require.NoError(t, store.RecordAccess(ctx, "u1", "app1", m.ID, time.Now()))

	count, err := store.AccessCount(ctx, "u1", "app1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "access logging must increment the counter by exactly one per call")
}

func TestLexicalAndVectorSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m1, err := store.CreateMemory(ctx, graphstore.Memory{UserID: "u1", Content: "the dragon hoards treasure"})
	require.NoError(t, err)
	m2, err := store.CreateMemory(ctx, graphstore.Memory{UserID: "u1", Content: "we should negotiate with the goblin tribe"})
	require.NoError(t, err)

	require.NoError(t, store.SetMemoryEmbedding(ctx, "u1", m1.ID, []float32{1, 0, 0, 0}))
	require.NoError(t, store.SetMemoryEmbedding(ctx, "u1", m2.ID, []float32{0, 1, 0, 0}))

	lexHits, err := store.LexicalSearch(ctx, "u1", "dragon treasure", 10)
	require.NoError(t, err)
	require.Len(t, lexHits, 1)
	assert.Equal(t, m1.ID, lexHits[0].MemoryID)
	assert.Equal(t, 1, lexHits[0].Rank)

	vecHits, err := store.VectorSearchMemories(ctx, "u1", []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, vecHits, 2)
	assert.Equal(t, m1.ID, vecHits[0].MemoryID, "closest vector match must rank first")
}

func TestConfigDoc_DefaultsThenRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.GetConfigDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, graphstore.ConfigDoc{DedupEnabled: true, DedupThreshold: 0.75, ResolverSemanticTier: 0.88}, doc)

	want := graphstore.ConfigDoc{DedupEnabled: false, DedupThreshold: 0.9, ResolverSemanticTier: 0.95}
	require.NoError(t, store.PutConfigDoc(ctx, want))

	got, err := store.GetConfigDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
