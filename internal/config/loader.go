package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, applies [Defaults] for any
// unset MemoryConfig tunables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies [Defaults] for any
// zero-valued MemoryConfig tunables, and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyMemoryDefaults(&cfg.Memory)
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays recognised environment variables on top of the
// decoded file and its defaults. Environment wins over both so a deployment
// can keep secrets (API keys, DSNs) out of config.yaml entirely, and
// MEMFORGE_MAX_GLEANINGS=0 genuinely disables gleaning instead of falling
// back to the default.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Providers.LLM.Name, "LLM_PROVIDER")
	setString(&cfg.Providers.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.Providers.LLM.Model, "LLM_MODEL")
	setString(&cfg.Providers.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.Providers.CategorizationModel, "MEMFORGE_CATEGORIZATION_MODEL")
	setString(&cfg.Memory.PostgresDSN, "MEMFORGE_POSTGRES_DSN")

	if v := os.Getenv("MEMFORGE_MAX_GLEANINGS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 3 {
			slog.Warn("MEMFORGE_MAX_GLEANINGS is not an integer in [0, 3]; ignoring", "value", v)
		} else {
			cfg.Memory.MaxGleanings = n
		}
	}
	if v := os.Getenv("MEMFORGE_EMBEDDING_DIMENSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("MEMFORGE_EMBEDDING_DIMENSIONS is not a positive integer; ignoring", "value", v)
		} else {
			cfg.Memory.EmbeddingDimensions = n
		}
	}
}

// applyMemoryDefaults fills any zero-valued tunable in m with the value
// from [Defaults]. PostgresDSN is left untouched — there is no sensible
// default for it.
func applyMemoryDefaults(m *MemoryConfig) {
	d := Defaults()
	if m.EmbeddingDimensions == 0 {
		m.EmbeddingDimensions = d.EmbeddingDimensions
	}
	if m.DedupThreshold == 0 {
		m.DedupThreshold = d.DedupThreshold
	}
	if m.MaxGleanings == 0 {
		m.MaxGleanings = d.MaxGleanings
	}
	if m.PerItemDrain == 0 {
		m.PerItemDrain = d.PerItemDrain
	}
	if m.BatchDrainBudget == 0 {
		m.BatchDrainBudget = d.BatchDrainBudget
	}
	if m.RRFConfidenceFloor == 0 {
		m.RRFConfidenceFloor = d.RRFConfidenceFloor
	}
	if m.RRFNormalizer == 0 {
		m.RRFNormalizer = d.RRFNormalizer
	}
	if m.ResolverSemanticThreshold == 0 {
		m.ResolverSemanticThreshold = d.ResolverSemanticThreshold
	}
	if m.ResolverSemanticCandidates == 0 {
		m.ResolverSemanticCandidates = d.ResolverSemanticCandidates
	}
	if m.VectorOverfetchFactor == 0 {
		m.VectorOverfetchFactor = d.VectorOverfetchFactor
	}
	if m.ConfigCacheTTL == 0 {
		m.ConfigCacheTTL = d.ConfigCacheTTL
	}
	if m.LLMCallTimeout == 0 {
		m.LLMCallTimeout = d.LLMCallTimeout
	}
	if m.LLMMaxRetries == 0 {
		m.LLMMaxRetries = d.LLMMaxRetries
	}
	if m.SummaryThreshold == 0 {
		m.SummaryThreshold = d.SummaryThreshold
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; ingestion and extraction will fail every request")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; resolver semantic tier and hybrid search vector half will fail open")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("memory.embedding_dimensions must be > 0 when providers.embeddings is configured"))
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}
	if cfg.Memory.DedupThreshold <= 0 || cfg.Memory.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.dedup_threshold %.3f is out of range (0, 1]", cfg.Memory.DedupThreshold))
	}
	if cfg.Memory.MaxGleanings < 0 || cfg.Memory.MaxGleanings > 3 {
		errs = append(errs, fmt.Errorf("memory.max_gleanings %d is out of range [0, 3]", cfg.Memory.MaxGleanings))
	}
	if cfg.Memory.ResolverSemanticThreshold <= 0 || cfg.Memory.ResolverSemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.resolver_semantic_threshold %.3f is out of range (0, 1]", cfg.Memory.ResolverSemanticThreshold))
	}
	if cfg.Memory.PerItemDrain > cfg.Memory.BatchDrainBudget {
		errs = append(errs, fmt.Errorf("memory.per_item_drain (%s) must not exceed memory.batch_drain_budget (%s)", cfg.Memory.PerItemDrain, cfg.Memory.BatchDrainBudget))
	}

	// MCP
	if cfg.MCP.Transport != "" && !cfg.MCP.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, streamable-http", cfg.MCP.Transport))
	}
	if cfg.MCP.Transport == MCPTransportStreamableHTTP && cfg.MCP.ListenAddr == "" {
		errs = append(errs, errors.New("mcp.listen_addr is required when mcp.transport is streamable-http"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
