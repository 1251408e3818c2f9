package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelDimensions_TextEmbedding3Small(t *testing.T) {
	assert.Equal(t, 1536, modelDimensions("text-embedding-3-small"))
}

func TestModelDimensions_TextEmbedding3Large(t *testing.T) {
	assert.Equal(t, 3072, modelDimensions("text-embedding-3-large"))
}

func TestModelDimensions_Ada002(t *testing.T) {
	assert.Equal(t, 1536, modelDimensions("text-embedding-ada-002"))
}

func TestModelDimensions_Unknown(t *testing.T) {
	assert.Positive(t, modelDimensions("some-future-model"))
}

func TestDimensions_MethodMatchesHelper(t *testing.T) {
	for _, model := range []string{
		"text-embedding-3-small",
		"text-embedding-3-large",
		"text-embedding-ada-002",
	} {
		p := &Provider{model: model}
		assert.Equal(t, modelDimensions(model), p.Dimensions())
	}
}

func TestModelID(t *testing.T) {
	for _, model := range []string{
		"text-embedding-3-small",
		"text-embedding-3-large",
		"my-custom-embeddings-model",
	} {
		p := &Provider{model: model}
		assert.Equal(t, model, p.ModelID())
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, p.ModelID())
}

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "text-embedding-3-small")
	require.Error(t, err)
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	require.NoError(t, err)
}

func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	require.Len(t, out, len(in))
	for i, v := range in {
		assert.Equal(t, float32(v), out[i])
	}
}
