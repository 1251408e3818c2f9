package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memforge/core/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────

func TestConvertMessage_System(t *testing.T) {
	got := convertMessage(types.Message{Role: "system", Content: "You are helpful."})
	assert.Equal(t, "system", got.Role)
	assert.Equal(t, "You are helpful.", got.ContentString())
}

func TestConvertMessage_User(t *testing.T) {
	got := convertMessage(types.Message{Role: "user", Content: "Hello!"})
	assert.Equal(t, "user", got.Role)
	assert.Equal(t, "Hello!", got.ContentString())
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "search_memory", Arguments: `{"query":"birthday"}`},
		},
	}
	got := convertMessage(m)
	require.Len(t, got.ToolCalls, 1)
	tc := got.ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "search_memory", tc.Function.Name)
	assert.Equal(t, `{"query":"birthday"}`, tc.Function.Arguments)
	assert.Equal(t, "function", tc.Type)
}

func TestConvertMessage_Tool(t *testing.T) {
	got := convertMessage(types.Message{Role: "tool", Content: "3 results", ToolCallID: "call_1"})
	assert.Equal(t, "tool", got.Role)
	assert.Equal(t, "call_1", got.ToolCallID)
	assert.Equal(t, "3 results", got.ContentString())
}

func TestConvertMessage_WithName(t *testing.T) {
	got := convertMessage(types.Message{Role: "user", Content: "Hi", Name: "alice"})
	assert.Equal(t, "alice", got.Name)
}

func TestConvertMessage_EmptyToolCalls(t *testing.T) {
	got := convertMessage(types.Message{Role: "assistant", Content: "No tools here."})
	assert.Empty(t, got.ToolCalls)
}

// ── modelCapabilities ───────────────────────────────────────────────────────

func TestModelCapabilities_GPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	assert.Equal(t, 128_000, caps.ContextWindow)
	assert.True(t, caps.SupportsToolCalling)
	assert.True(t, caps.SupportsJSONMode)
	assert.True(t, caps.SupportsStreaming)
	assert.Equal(t, 16_384, caps.MaxOutputTokens)
}

func TestModelCapabilities_GPT4(t *testing.T) {
	caps := modelCapabilities("gpt-4")
	assert.Equal(t, 8_192, caps.ContextWindow)
}

func TestModelCapabilities_O1Mini(t *testing.T) {
	caps := modelCapabilities("o1-mini")
	assert.Equal(t, 128_000, caps.ContextWindow)
	assert.False(t, caps.SupportsToolCalling)
}

func TestModelCapabilities_Claude35Sonnet(t *testing.T) {
	caps := modelCapabilities("claude-3-5-sonnet-latest")
	assert.Equal(t, 200_000, caps.ContextWindow)
	assert.True(t, caps.SupportsToolCalling)
	assert.Equal(t, 8_192, caps.MaxOutputTokens)
}

func TestModelCapabilities_Gemini20Flash(t *testing.T) {
	caps := modelCapabilities("gemini-2.0-flash")
	assert.Equal(t, 1_048_576, caps.ContextWindow)
	assert.True(t, caps.SupportsToolCalling)
}

func TestModelCapabilities_Ollama(t *testing.T) {
	caps := modelCapabilities("llama3")
	assert.False(t, caps.SupportsJSONMode)
}

func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	assert.Positive(t, caps.ContextWindow)
	assert.Positive(t, caps.MaxOutputTokens)
	assert.True(t, caps.SupportsStreaming)
}

func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	lower := modelCapabilities("gpt-4o")
	upper := modelCapabilities("GPT-4O")
	assert.Equal(t, lower.ContextWindow, upper.ContextWindow)
}

// ── Constructor ───────────────────────────────────────────────────────────

func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	require.Error(t, err)
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	require.Error(t, err)
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	require.Error(t, err)
}

func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "gpt-4o", p.model)
}

func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("llama3")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
		{"NewLlamaFile", func() (*Provider, error) { return NewLlamaFile("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			require.NoError(t, err)
			require.NotNil(t, p)
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]types.Message{{Role: "user", Content: "Hello world"}})
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCountTokens_MultipleMessages(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	}
	count, err := p.CountTokens(msgs)
	require.NoError(t, err)
	singleCount, _ := p.CountTokens(msgs[:1])
	assert.Greater(t, count, singleCount)
}

// ── Capabilities ──────────────────────────────────────────────────────────

func TestCapabilities_ReturnsForModel(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	caps := p.Capabilities()
	expected := modelCapabilities("gpt-4o")
	assert.Equal(t, expected.ContextWindow, caps.ContextWindow)
	assert.Equal(t, expected.SupportsJSONMode, caps.SupportsJSONMode)
}
