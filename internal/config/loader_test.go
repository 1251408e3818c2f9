package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/memforge/core/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("providers.llm.name: got %q", cfg.Providers.LLM.Name)
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("MEMFORGE_MAX_GLEANINGS", "0")
	t.Setenv("MEMFORGE_CATEGORIZATION_MODEL", "gpt-4o-mini")
	t.Setenv("MEMFORGE_POSTGRES_DSN", "postgres://env-wins/memforge")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM_MODEL override lost: got %q", cfg.Providers.LLM.Model)
	}
	if cfg.Memory.MaxGleanings != 0 {
		t.Errorf("MEMFORGE_MAX_GLEANINGS=0 must stick, got %d", cfg.Memory.MaxGleanings)
	}
	if cfg.Providers.CategorizationModel != "gpt-4o-mini" {
		t.Errorf("MEMFORGE_CATEGORIZATION_MODEL override lost: got %q", cfg.Providers.CategorizationModel)
	}
	if cfg.Memory.PostgresDSN != "postgres://env-wins/memforge" {
		t.Errorf("MEMFORGE_POSTGRES_DSN override lost: got %q", cfg.Memory.PostgresDSN)
	}
}

func TestLoadFromReader_BadEnvIntIgnored(t *testing.T) {
	t.Setenv("MEMFORGE_MAX_GLEANINGS", "seven")
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Memory.MaxGleanings != config.Defaults().MaxGleanings {
		t.Errorf("bad env int should leave the default, got %d", cfg.Memory.MaxGleanings)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [this is not a map"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected a parse error, got nil")
	}
}
