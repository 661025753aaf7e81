// Package config handles configuration loading for the tokenizer service.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig contains warehouse and model-file settings. The three
// dictionary paths are explicit required configuration: there is no
// implicit discovery from an installed model package.
type DataConfig struct {
	SomaPath        string `yaml:"soma_path"`
	TokenDictionary string `yaml:"token_dictionary"`
	GeneMedian      string `yaml:"gene_median"`
	GeneMapping     string `yaml:"gene_mapping"` // optional
}

// TokenizerConfig contains tokenization settings.
type TokenizerConfig struct {
	MaxInputTokens int      `yaml:"max_input_tokens"`
	SpecialTokens  bool     `yaml:"special_tokens"`
	BlockSize      int      `yaml:"block_size"`
	MinGenes       int      `yaml:"min_genes"`
	ObsColumns     []string `yaml:"obs_columns"`
}

// JobsConfig contains job manager settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
	OutputDir     string `yaml:"output_dir"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	VocabEntries int `yaml:"vocab_entries"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			SomaPath: "./data/soma",
		},
		Tokenizer: TokenizerConfig{
			MaxInputTokens: 2048,
			BlockSize:      1024,
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/tokenize_jobs.sqlite",
			MaxConcurrent: 1,
			RetentionDays: 7,
			OutputDir:     "./data/output",
		},
		Cache: CacheConfig{
			VocabEntries: 4,
		},
	}
}

// Validate checks the fields that have no usable default. The dictionary
// paths must be set explicitly; resolving them from an installed model
// package is the caller's job, not this layer's.
func (c *Config) Validate() error {
	if c.Data.SomaPath == "" {
		return fmt.Errorf("data.soma_path is required")
	}
	if c.Data.TokenDictionary == "" {
		return fmt.Errorf("data.token_dictionary is required")
	}
	if c.Data.GeneMedian == "" {
		return fmt.Errorf("data.gene_median is required")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.SomaPath == "" {
		cfg.Data.SomaPath = defaults.Data.SomaPath
	}
	if cfg.Tokenizer.MaxInputTokens == 0 {
		cfg.Tokenizer.MaxInputTokens = defaults.Tokenizer.MaxInputTokens
	}
	if cfg.Tokenizer.BlockSize == 0 {
		cfg.Tokenizer.BlockSize = defaults.Tokenizer.BlockSize
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.OutputDir == "" {
		cfg.Jobs.OutputDir = defaults.Jobs.OutputDir
	}
	if cfg.Cache.VocabEntries == 0 {
		cfg.Cache.VocabEntries = defaults.Cache.VocabEntries
	}
}
