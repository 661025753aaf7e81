// Package main is the entry point for the tokenizer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellcensus/geneformer/internal/api"
	"github.com/cellcensus/geneformer/internal/cache"
	"github.com/cellcensus/geneformer/internal/config"
	"github.com/cellcensus/geneformer/internal/data/soma"
	"github.com/cellcensus/geneformer/internal/dataset"
	"github.com/cellcensus/geneformer/internal/geneformer"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting tokenizer server on port %d", cfg.Server.Port)

	reader, err := soma.NewReader(cfg.Data.SomaPath)
	if err != nil {
		log.Fatalf("Failed to open SOMA experiment: %v", err)
	}
	log.Printf("SOMA experiment: %s (supported=%v)", reader.ExperimentURI(), reader.Supported())

	cacheManager, err := cache.NewManager(cfg.Cache.VocabEntries)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	vocab, err := buildVocab(reader, cfg, cacheManager)
	if err != nil {
		log.Fatalf("Failed to build gene vocabulary: %v", err)
	}
	log.Printf("Gene vocabulary: %d genes (special_tokens=%v)", vocab.NumGenes(), vocab.SpecialTokens)

	tokenizer := geneformer.NewTokenizer(vocab, cfg.Tokenizer.MaxInputTokens)

	if err := os.MkdirAll(cfg.Jobs.OutputDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	svc := dataset.NewService(dataset.ServiceConfig{
		Warehouse: reader,
		Vocab:     vocab,
		Tokenizer: tokenizer,
		OutputDir: cfg.Jobs.OutputDir,
		BlockSize: cfg.Tokenizer.BlockSize,
	})

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = svc.ExecuteJob
	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		JobManager:  jobManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// buildVocab joins the experiment's var table against the model dictionaries,
// reusing a cached vocabulary when one exists for this exact combination.
func buildVocab(reader *soma.Reader, cfg *config.Config, cm *cache.Manager) (*geneformer.Vocab, error) {
	key := cache.VocabKey(reader.ExperimentURI(),
		cfg.Data.TokenDictionary, cfg.Data.GeneMedian, cfg.Data.GeneMapping,
		cfg.Tokenizer.SpecialTokens, cfg.Tokenizer.MinGenes)
	if v, ok := cm.GetVocab(key); ok {
		return v, nil
	}

	dicts, err := geneformer.LoadDicts(cfg.Data.TokenDictionary, cfg.Data.GeneMedian, cfg.Data.GeneMapping)
	if err != nil {
		return nil, err
	}
	records, err := reader.VarFeatures()
	if err != nil {
		return nil, err
	}
	v, err := geneformer.BuildVocab(records, dicts, geneformer.VocabConfig{
		SpecialTokens: cfg.Tokenizer.SpecialTokens,
		MinGenes:      cfg.Tokenizer.MinGenes,
	})
	if err != nil {
		return nil, err
	}
	cm.SetVocab(key, v)
	return v, nil
}
