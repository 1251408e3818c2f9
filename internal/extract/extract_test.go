package extract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memforge/core/internal/extract"
	"github.com/memforge/core/pkg/provider/llm"
	llmmock "github.com/memforge/core/pkg/provider/llm/mock"
)

func TestExtract_SinglePassNormalizesTypes(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[{"name":"Alice","type":"person","description":"a dev"}],"relationships":[]}`,
	}}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "Alice is a developer.", extract.Options{})

	assert.Len(t, res.Entities, 1)
	assert.Equal(t, "PERSON", res.Entities[0].Type)
}

func TestExtract_EmptyTypeBecomesOther(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[{"name":"Something","type":"","description":""}],"relationships":[]}`,
	}}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "text", extract.Options{})
	assert.Equal(t, "OTHER", res.Entities[0].Type)
}

func TestExtract_RelationshipMissingFieldsDiscarded(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[],"relationships":[{"source":"Alice","target":"","type":"KNOWS"}]}`,
	}}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "text", extract.Options{})
	assert.Empty(t, res.Relationships)
}

func TestExtract_GleaningStopsWhenNothingNew(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: `{"entities":[{"name":"Alice","type":"PERSON"}],"relationships":[]}`},
		{Content: `{"entities":[],"relationships":[]}`},
	}}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "text", extract.Options{MaxGleanings: 3})

	assert.Len(t, res.Entities, 1)
	assert.Len(t, mock.CompleteCalls, 2, "gleaning should stop after the first pass returns nothing new")
}

func TestExtract_GleaningDedupsAcrossPasses(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: `{"entities":[{"name":"Alice","type":"PERSON"}],"relationships":[]}`},
		{Content: `{"entities":[{"name":"alice","type":"PERSON"},{"name":"Bob","type":"PERSON"}],"relationships":[]}`},
		{Content: `{"entities":[],"relationships":[]}`},
	}}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "text", extract.Options{MaxGleanings: 3})

	assert.Len(t, res.Entities, 2, "Alice/alice must dedup case-insensitively across passes")
}

func TestExtract_MaxGleaningsClampedTo3(t *testing.T) {
	responses := make([]*llm.CompletionResponse, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, &llm.CompletionResponse{
			Content: `{"entities":[{"name":"E` + string(rune('A'+i)) + `","type":"OTHER"}],"relationships":[]}`,
		})
	}
	mock := &llmmock.Provider{CompleteResponses: responses}
	e := extract.New(mock)
	e.Extract(context.Background(), "text", extract.Options{MaxGleanings: 10})

	assert.LessOrEqual(t, len(mock.CompleteCalls), 4, "first pass + at most 3 gleaning passes")
}

func TestExtract_FailurePolicyCollapsesToEmpty(t *testing.T) {
	mock := &llmmock.Provider{CompleteErr: assertErr("llm down")}
	e := extract.New(mock)
	res := e.Extract(context.Background(), "text", extract.Options{})
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Relationships)
}

func TestExtract_CoReferenceContextTruncatedTo3(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"entities":[],"relationships":[]}`,
	}}
	e := extract.New(mock)
	e.Extract(context.Background(), "text", extract.Options{
		CoReferenceContext: []string{"m1", "m2", "m3", "m4", "m5"},
	})
	require := mock.CompleteCalls[0].Req.Messages[0].Content
	assert.Contains(t, require, "m1")
	assert.Contains(t, require, "m3")
	assert.NotContains(t, require, "m4")
	assert.NotContains(t, require, "m5")
}

func TestExtract_NilClientReturnsEmpty(t *testing.T) {
	e := extract.New(nil)
	res := e.Extract(context.Background(), "text", extract.Options{})
	assert.Empty(t, res.Entities)
}

type assertErrT string

func (e assertErrT) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrT(msg) }
