package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 180000, cfg.Retrieval.MaxContextChars)
	assert.Equal(t, "sections", cfg.Retrieval.Strategy)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.QuietPeriod)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_dir: /var/lib/legal
pipeline:
  workers: 8
  force_indexing: true
retrieval:
  strategy: tree
  top_k: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/legal", cfg.BaseDir)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.True(t, cfg.Pipeline.ForceIndexing)
	assert.Equal(t, "tree", cfg.Retrieval.Strategy)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_dir: /from/file\n"), 0o644))
	t.Setenv("LEGALENGINE_BASE_DIR", "/from/env")
	t.Setenv("LEGALENGINE_WORKERS", "4")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.BaseDir)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_dir: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.OCR.APIKey = "ocr-key"
	assert.Error(t, cfg.Validate())

	cfg.LLM.APIKey = "llm-key"
	assert.NoError(t, cfg.Validate())
}
