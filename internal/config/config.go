// Package config loads runtime configuration from a YAML file with
// environment variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	BaseDir   string `yaml:"base_dir"`
	RulesPath string `yaml:"rules_path"`
	DBPath    string `yaml:"db_path"`

	Server struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"server"`

	OCR struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"ocr"`

	LLM struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`

	Pipeline struct {
		MaxRetries    int           `yaml:"max_retries"`
		Workers       int           `yaml:"workers"`
		ForceIndexing bool          `yaml:"force_indexing"`
		QuietPeriod   time.Duration `yaml:"quiet_period"`
		MaxStabilize  time.Duration `yaml:"max_stabilize"`
		Summaries     bool          `yaml:"summaries"`
	} `yaml:"pipeline"`

	Retrieval struct {
		Strategy        string `yaml:"strategy"`
		TopK            int    `yaml:"top_k"`
		MaxContextChars int    `yaml:"max_context_chars"`
	} `yaml:"retrieval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		BaseDir:   "./data",
		RulesPath: "./rules.yaml",
		DBPath:    "./data/registry.db",
	}
	cfg.Server.Addr = ":8080"
	cfg.Pipeline.MaxRetries = 3
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.QuietPeriod = 3 * time.Second
	cfg.Pipeline.MaxStabilize = 60 * time.Second
	cfg.Pipeline.Summaries = true
	cfg.Retrieval.Strategy = "sections"
	cfg.Retrieval.TopK = 5
	cfg.Retrieval.MaxContextChars = 180000
	return cfg
}

// Load reads the YAML file at path, layered over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps the environment onto the fields that commonly carry
// secrets or per-host values.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("LEGALENGINE_BASE_DIR", &c.BaseDir)
	setStr("LEGALENGINE_RULES_PATH", &c.RulesPath)
	setStr("LEGALENGINE_DB_PATH", &c.DBPath)
	setStr("LEGALENGINE_ADDR", &c.Server.Addr)
	setStr("LEGALENGINE_TOKEN", &c.Server.Token)
	setStr("MISTRAL_API_KEY", &c.OCR.APIKey)
	setStr("MISTRAL_BASE_URL", &c.OCR.BaseURL)
	setStr("ANTHROPIC_API_KEY", &c.LLM.APIKey)
	setStr("ANTHROPIC_BASE_URL", &c.LLM.BaseURL)
	setStr("ANTHROPIC_MODEL", &c.LLM.Model)
	setStr("LEGALENGINE_STRATEGY", &c.Retrieval.Strategy)

	if v := os.Getenv("LEGALENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("LEGALENGINE_FORCE_INDEXING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.ForceIndexing = b
		}
	}
}

// Validate checks the parts that have no workable default.
func (c *Config) Validate() error {
	if c.OCR.APIKey == "" {
		return fmt.Errorf("ocr api key not configured (set MISTRAL_API_KEY)")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api key not configured (set ANTHROPIC_API_KEY)")
	}
	return nil
}
