// Package rpc exposes the add_memories and search_memory operations as an
// MCP tool surface, using the official MCP Go SDK's server API.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memforge/core/internal/ingest"
	"github.com/memforge/core/internal/search"
)

const (
	serverName    = "memforge"
	serverVersion = "0.1.0"
)

// Identity scopes every call this server handles. The RPC surface carries
// no per-call user parameter, so the scope is fixed at server construction
// time; a deployment serving more than one user runs one process per user.
type Identity struct {
	UserID  string
	AppName string
}

// Server adapts a [ingest.Pipeline] and a [search.Searcher] into an MCP
// server exposing add_memories and search_memory.
type Server struct {
	mcp      *mcpsdk.Server
	pipeline *ingest.Pipeline
	searcher *search.Searcher
	identity Identity
}

// New builds a Server and registers its tools. Call [Server.Run] to start
// serving on a transport.
func New(pipeline *ingest.Pipeline, searcher *search.Searcher, identity Identity) *Server {
	s := &Server{
		pipeline: pipeline,
		searcher: searcher,
		identity: identity,
	}

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "add_memories",
		Description: "Store one or more memories for the current user. Each item is classified " +
			"(store, invalidate, touch, resolve, or delete an entity), deduplicated against existing " +
			"memories, and queued for background entity/relationship extraction.",
	}, s.addMemories)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "search_memory",
		Description: "Search stored memories with a hybrid lexical+vector query, or browse them in " +
			"reverse-chronological pages when no query is given.",
	}, s.searchMemory)

	return s
}

// Run serves the MCP protocol over t until ctx is cancelled or the
// transport closes. Use [mcpsdk.StdioTransport] for the stdio transport.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.mcp.Run(ctx, t)
}

// HTTPHandler returns an http.Handler serving this server over the MCP
// Streamable HTTP transport, suitable for mounting on a ServeMux alongside
// the health endpoints.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcp
	}, nil)
}

// AddMemoriesInput is the add_memories tool's argument shape. Content
// accepts either a single string or an array of strings.
type AddMemoriesInput struct {
	Content                json.RawMessage `json:"content"`
	Tags                   []string        `json:"tags,omitempty"`
	Categories             []string        `json:"categories,omitempty"`
	SuppressAutoCategories bool            `json:"suppress_auto_categories,omitempty"`
	Replaces               string          `json:"replaces,omitempty"`
}

// contentItems normalizes Content into one or more strings.
func (in AddMemoriesInput) contentItems() ([]string, error) {
	var single string
	if err := json.Unmarshal(in.Content, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("content: empty string")
		}
		return []string{single}, nil
	}

	// An empty array is a valid no-op call: it produces an empty result
	// object with no side effects.
	var many []string
	if err := json.Unmarshal(in.Content, &many); err != nil {
		return nil, fmt.Errorf("content: must be a string or an array of strings: %w", err)
	}
	return many, nil
}

func (s *Server) addMemories(ctx context.Context, req *mcpsdk.CallToolRequest, in AddMemoriesInput) (*mcpsdk.CallToolResult, ingest.Result, error) {
	texts, err := in.contentItems()
	if err != nil {
		return nil, ingest.Result{}, err
	}

	items := make([]ingest.Item, len(texts))
	for i, text := range texts {
		items[i] = ingest.Item{
			Content:                text,
			Tags:                   in.Tags,
			Categories:             in.Categories,
			SuppressAutoCategories: in.SuppressAutoCategories,
		}
		// Replaces is a scalar id, not a per-item array, so it only
		// applies to a single-item call.
		if len(texts) == 1 {
			items[i].Replaces = in.Replaces
		}
	}

	res := s.pipeline.Add(ctx, s.identity.UserID, s.identity.AppName, items)
	return nil, res, nil
}

// SearchMemoryInput is the search_memory tool's argument shape.
type SearchMemoryInput struct {
	Query           string `json:"query,omitempty"`
	Limit           *int   `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
	Category        string `json:"category,omitempty"`
	Tag             string `json:"tag,omitempty"`
	CreatedAfter    string `json:"created_after,omitempty"`
	IncludeEntities *bool  `json:"include_entities,omitempty"`
}

func (s *Server) searchMemory(ctx context.Context, req *mcpsdk.CallToolRequest, in SearchMemoryInput) (*mcpsdk.CallToolResult, any, error) {
	sreq := search.Request{
		Query:    in.Query,
		Offset:   in.Offset,
		Category: in.Category,
		Tag:      in.Tag,
	}
	if in.Limit != nil {
		sreq.Limit = *in.Limit
		sreq.LimitSet = true
	}
	if in.IncludeEntities != nil {
		sreq.IncludeEntities = *in.IncludeEntities
		sreq.IncludeEntitiesSet = true
	}
	if in.CreatedAfter != "" {
		t, err := time.Parse(time.RFC3339, in.CreatedAfter)
		if err != nil {
			return nil, nil, fmt.Errorf("created_after: %w", err)
		}
		sreq.CreatedAfter = t
	}

	resp, err := s.searcher.Execute(ctx, s.identity.UserID, s.identity.AppName, sreq)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}
