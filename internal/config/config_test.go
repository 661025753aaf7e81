package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Tokenizer.MaxInputTokens != 2048 {
		t.Fatalf("max_input_tokens = %d, want 2048", cfg.Tokenizer.MaxInputTokens)
	}
	if cfg.Tokenizer.SpecialTokens {
		t.Fatal("special_tokens should default to false")
	}
	if cfg.Jobs.MaxConcurrent != 1 {
		t.Fatalf("max_concurrent = %d, want 1", cfg.Jobs.MaxConcurrent)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
data:
  soma_path: /data/census/soma
  token_dictionary: /models/token_dictionary.pkl
  gene_median: /models/gene_median_dictionary.pkl
tokenizer:
  max_input_tokens: 512
  special_tokens: true
  obs_columns: [cell_type, tissue_general]
jobs:
  max_concurrent: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Data.SomaPath != "/data/census/soma" {
		t.Fatalf("soma_path = %q", cfg.Data.SomaPath)
	}
	if cfg.Tokenizer.MaxInputTokens != 512 || !cfg.Tokenizer.SpecialTokens {
		t.Fatalf("tokenizer = %+v", cfg.Tokenizer)
	}
	if len(cfg.Tokenizer.ObsColumns) != 2 {
		t.Fatalf("obs_columns = %v", cfg.Tokenizer.ObsColumns)
	}
	// Unset fields fall back to defaults.
	if cfg.Tokenizer.BlockSize != 1024 {
		t.Fatalf("block_size = %d, want default 1024", cfg.Tokenizer.BlockSize)
	}
	if cfg.Jobs.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent = %d, want 2", cfg.Jobs.MaxConcurrent)
	}
	if cfg.Jobs.RetentionDays != 7 {
		t.Fatalf("retention_days = %d, want default 7", cfg.Jobs.RetentionDays)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: dictionary paths unset")
	}
	cfg.Data.TokenDictionary = "/models/token_dictionary.pkl"
	cfg.Data.GeneMedian = "/models/gene_median_dictionary.pkl"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}
