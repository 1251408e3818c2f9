// Package graphstore defines the storage abstraction for MemForge's
// knowledge graph: users, memories, categories, entities, relationships,
// mentions, and access events, plus the hybrid-search candidate queries that
// sit directly on top of that storage.
//
// A single interface, [GraphStore], covers node/edge CRUD, traversal, and
// vector-KNN so that callers (the resolver, the ingestion pipeline, the
// hybrid searcher) depend on one seam. Concrete implementations live in
// sibling packages — [github.com/memforge/core/internal/graphstore/postgres]
// backs production deployments with pgx/pgvector;
// [github.com/memforge/core/internal/graphstore/memstore] is an in-process
// fake used by tests across the whole module.
//
// Every method accepts a userId and MUST constrain its result to that user's
// subgraph — there is no operation in this interface that can read or write
// across users.
package graphstore

import (
	"context"
	"time"
)

// ExtractionStatus tracks where a Memory stands in the background
// extraction pipeline (worker.Worker).
type ExtractionStatus string

const (
	ExtractionUnstarted ExtractionStatus = "unstarted"
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionDone      ExtractionStatus = "done"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Memory is a single atomic statement authored by/for a user.
type Memory struct {
	ID         string
	UserID     string
	Content    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	InvalidAt  *time.Time
	Tags       []string
	AppName    string
	Categories []string

	ExtractionStatus   ExtractionStatus
	ExtractionAttempts int
	ExtractionError    string

	// Embedding is the content embedding used for the vector half of hybrid
	// search. The ingest pipeline computes it at write time; it is nil when
	// no embedding provider is wired or the embed call failed, until a
	// caller sets it via SetMemoryEmbedding.
	Embedding []float32

	// ResolvedAt is set by the RESOLVE intent; nil otherwise.
	ResolvedAt *time.Time

	// SupersedesID is the id of the Memory this one logically replaces, set
	// when this memory was created by a supersede dedup action or an
	// explicit `replaces` request. Modeled as a property rather than a
	// distinct edge type to keep the schema fixed, matching Relationship's
	// Type-as-property convention.
	SupersedesID string
}

// MemoryFilter narrows ListMemories queries. Zero values mean "no filter".
type MemoryFilter struct {
	Category       string
	Tag            string
	CreatedAfter   time.Time
	IncludeInvalid bool
}

// Entity is a user-scoped named thing in the open-ontology knowledge graph.
type Entity struct {
	ID                   string
	UserID               string
	Name                 string
	NormalizedName       string
	Type                 string
	Description          string
	Metadata             map[string]any
	DescriptionEmbedding []float32
	CreatedAt            time.Time
	UpdatedAt            time.Time
	MentionCount         int
}

// EntityFilter narrows FindEntities queries. Zero values mean "no filter".
type EntityFilter struct {
	Type  string
	Query string // free-text match against name/description, used by browse-adjacent lookups
	Limit int
}

// Relationship is a directed, typed, labeled edge between two entities
// belonging to the same user. The relation label is stored as the Type
// property rather than a distinct schema label, which keeps the schema
// fixed across the open ontology.
type Relationship struct {
	SourceID    string
	TargetID    string
	Type        string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RelQueryOptions configure GetRelationships. Built via RelQueryOpt
// functions.
type RelQueryOptions struct {
	Types      []string
	Incoming   bool
	Outgoing   bool
	LimitCount int
}

// RelQueryOpt configures a RelQueryOptions value.
type RelQueryOpt func(*RelQueryOptions)

// WithRelTypes restricts GetRelationships to the given relationship types.
func WithRelTypes(types ...string) RelQueryOpt {
	return func(o *RelQueryOptions) { o.Types = types }
}

// WithIncoming includes incoming edges (target == id) in the result.
func WithIncoming() RelQueryOpt {
	return func(o *RelQueryOptions) { o.Incoming = true }
}

// WithOutgoing includes outgoing edges (source == id) in the result.
func WithOutgoing() RelQueryOpt {
	return func(o *RelQueryOptions) { o.Outgoing = true }
}

// WithRelLimit caps the number of relationships returned.
func WithRelLimit(n int) RelQueryOpt {
	return func(o *RelQueryOptions) { o.LimitCount = n }
}

// resolveRelOpts applies opts and defaults to both directions when neither
// WithIncoming nor WithOutgoing was supplied.
func resolveRelOpts(opts []RelQueryOpt) RelQueryOptions {
	var o RelQueryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.Incoming && !o.Outgoing {
		o.Incoming, o.Outgoing = true, true
	}
	return o
}

// ResolveRelOpts is exported so that GraphStore implementations outside this
// package (e.g. postgres) can share the same defaulting behaviour.
func ResolveRelOpts(opts ...RelQueryOpt) RelQueryOptions { return resolveRelOpts(opts) }

// TraversalOptions configure Neighbors and Subgraph.
type TraversalOptions struct {
	RelTypes  []string
	NodeTypes []string
	MaxNodes  int
}

// TraversalOpt configures a TraversalOptions value.
type TraversalOpt func(*TraversalOptions)

// TraverseRelTypes restricts traversal to the given relationship types.
func TraverseRelTypes(types ...string) TraversalOpt {
	return func(o *TraversalOptions) { o.RelTypes = types }
}

// TraverseNodeTypes restricts traversal to entities of the given types.
func TraverseNodeTypes(types ...string) TraversalOpt {
	return func(o *TraversalOptions) { o.NodeTypes = types }
}

// TraverseMaxNodes caps the number of entities a traversal may return.
func TraverseMaxNodes(n int) TraversalOpt {
	return func(o *TraversalOptions) { o.MaxNodes = n }
}

// ResolveTraversalOpts applies opts over zero-valued defaults.
func ResolveTraversalOpts(opts ...TraversalOpt) TraversalOptions {
	var o TraversalOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LexicalHit is one row of a BM25-like lexical candidate list.
type LexicalHit struct {
	MemoryID string
	Rank     int // 1-based rank within the lexical candidate list
	Score    float64
}

// VectorHit is one row of a cosine-similarity vector candidate list.
type VectorHit struct {
	MemoryID string
	Rank     int // 1-based rank within the vector candidate list
	Score    float64
}

// EntityVectorHit is one row returned by semantic entity search.
type EntityVectorHit struct {
	Entity     Entity
	Similarity float64
}

// ConfigDoc is the single per-process configuration document, persisted
// as one JSON value under the key "memforge".
type ConfigDoc struct {
	DedupEnabled         bool
	DedupThreshold       float64
	ResolverSemanticTier float64
}

// GraphStore is the storage façade every other subsystem depends on. All
// methods accept a userId and must not leak data across users.
type GraphStore interface {
	// --- Memory CRUD ---

	CreateMemory(ctx context.Context, m Memory) (Memory, error)
	GetMemory(ctx context.Context, userID, id string) (*Memory, error)
	UpdateMemory(ctx context.Context, m Memory) error
	InvalidateMemory(ctx context.Context, userID, id string, at time.Time) error
	SetExtractionStatus(ctx context.Context, userID, id string, status ExtractionStatus, attempts int, errMsg string) error
	SetMemoryEmbedding(ctx context.Context, userID, id string, embedding []float32) error
	RecentMemories(ctx context.Context, userID string, excludeID string, limit int) ([]Memory, error)
	ListMemories(ctx context.Context, userID string, filter MemoryFilter, offset, limit int) ([]Memory, int, error)

	// --- Categories ---

	EnsureCategories(ctx context.Context, userID string, names []string) error
	LinkMemoryCategories(ctx context.Context, userID, memoryID string, names []string) error

	// --- Entities ---

	FindEntityByNormalizedName(ctx context.Context, userID, normalizedName string) (*Entity, error)
	FindEntitiesByType(ctx context.Context, userID, typ string) ([]Entity, error)
	FindEntities(ctx context.Context, userID string, filter EntityFilter) ([]Entity, error)
	// BatchFindByNormalizedNames is the extraction worker's batch resolve
	// step: one round trip for many normalized names instead of N.
	BatchFindByNormalizedNames(ctx context.Context, userID string, normalizedNames []string) (map[string]Entity, error)
	GetEntity(ctx context.Context, userID, id string) (*Entity, error)
	// MergeEntity performs the resolver's find-or-create MERGE on
	// (userID, normalizedName): concurrent callers converge on one row and
	// the returned Entity.ID is authoritative regardless of which caller's
	// proposed fields won.
	MergeEntity(ctx context.Context, e Entity) (Entity, error)
	UpdateEntity(ctx context.Context, e Entity) error
	SetEntityEmbedding(ctx context.Context, userID, id string, embedding []float32) error
	DeleteEntity(ctx context.Context, userID, id string) error
	SearchEntitiesByVector(ctx context.Context, userID string, query []float32, limit int) ([]EntityVectorHit, error)

	// --- Relationships ---

	UpsertRelationship(ctx context.Context, r Relationship) error
	GetRelationships(ctx context.Context, userID, entityID string, opts ...RelQueryOpt) ([]Relationship, error)
	DeleteRelationship(ctx context.Context, userID, sourceID, targetID, typ string) error
	DeleteRelationshipsForEntity(ctx context.Context, userID, entityID string) error

	// --- Traversal ---

	// Neighbors returns the entities reachable from id within hops hops,
	// excluding id itself. No relationships are returned.
	Neighbors(ctx context.Context, userID, id string, hops int, opts ...TraversalOpt) ([]Entity, error)
	// Subgraph returns the entities Neighbors returns (the center is not
	// among them) together with every relationship whose two endpoints are
	// both the center or one of those entities.
	Subgraph(ctx context.Context, userID, id string, hops int, opts ...TraversalOpt) ([]Entity, []Relationship, error)

	// --- Mentions ---

	LinkMention(ctx context.Context, userID, memoryID, entityID string) error
	EntitiesForMemory(ctx context.Context, userID, memoryID string, limit int) ([]Entity, error)
	MemoryCountForEntity(ctx context.Context, userID, entityID string) (int, error)

	// --- Access log ---

	RecordAccess(ctx context.Context, userID, appName, memoryID string, at time.Time) error

	// --- Hybrid search candidate lists ---

	LexicalSearch(ctx context.Context, userID, query string, limit int) ([]LexicalHit, error)
	VectorSearchMemories(ctx context.Context, userID string, query []float32, limit int) ([]VectorHit, error)

	// --- Configuration document ---

	GetConfigDoc(ctx context.Context) (ConfigDoc, error)
	PutConfigDoc(ctx context.Context, doc ConfigDoc) error

	// Close releases the store's resources (connection pool, session pool).
	Close() error
}
