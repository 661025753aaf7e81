// Package main is a batch CLI that tokenizes cells from a SOMA experiment
// into an NDJSON dataset, without going through the HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cellcensus/geneformer/internal/config"
	"github.com/cellcensus/geneformer/internal/data/soma"
	"github.com/cellcensus/geneformer/internal/dataset"
	"github.com/cellcensus/geneformer/internal/geneformer"
	"github.com/cellcensus/geneformer/internal/jobstore"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	output := flag.String("output", "dataset.ndjson.zst", "Output path (.zst suffix enables compression)")
	cellsFlag := flag.String("cells", "", "Comma-separated cell soma_joinids (overrides filter)")
	filterColumn := flag.String("filter-column", "", "Obs column to filter cells by")
	filterValues := flag.String("filter-values", "", "Comma-separated values for -filter-column")
	obsColumns := flag.String("obs-columns", "", "Comma-separated obs columns to carry into the output (defaults to config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	reader, err := soma.NewReader(cfg.Data.SomaPath)
	if err != nil {
		log.Fatalf("Failed to open SOMA experiment: %v", err)
	}
	log.Printf("SOMA experiment: %s", reader.ExperimentURI())

	dicts, err := geneformer.LoadDicts(cfg.Data.TokenDictionary, cfg.Data.GeneMedian, cfg.Data.GeneMapping)
	if err != nil {
		log.Fatalf("Failed to load model dictionaries: %v", err)
	}
	records, err := reader.VarFeatures()
	if err != nil {
		log.Fatalf("Failed to read gene feature table: %v", err)
	}
	vocab, err := geneformer.BuildVocab(records, dicts, geneformer.VocabConfig{
		SpecialTokens: cfg.Tokenizer.SpecialTokens,
		MinGenes:      cfg.Tokenizer.MinGenes,
	})
	if err != nil {
		log.Fatalf("Failed to build gene vocabulary: %v", err)
	}
	log.Printf("Gene vocabulary: %d genes", vocab.NumGenes())

	tokenizer := geneformer.NewTokenizer(vocab, cfg.Tokenizer.MaxInputTokens)
	svc := dataset.NewService(dataset.ServiceConfig{
		Warehouse: reader,
		Vocab:     vocab,
		Tokenizer: tokenizer,
		BlockSize: cfg.Tokenizer.BlockSize,
	})

	params := jobstore.JobParams{
		Cells:        parseCells(*cellsFlag),
		FilterColumn: *filterColumn,
		FilterValues: splitList(*filterValues),
		ObsColumns:   splitList(*obsColumns),
	}
	if len(params.ObsColumns) == 0 {
		params.ObsColumns = cfg.Tokenizer.ObsColumns
	}

	cells, err := svc.ResolveCells(params)
	if err != nil {
		log.Fatalf("Failed to resolve cells: %v", err)
	}
	if len(cells) == 0 {
		log.Fatal("Query resolved to no cells")
	}
	log.Printf("Tokenizing %d cells -> %s", len(cells), *output)

	sink, err := dataset.NewNDJSONSink(*output)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	b := dataset.NewBuilder(reader, vocab, tokenizer, dataset.Config{
		ObsColumns: params.ObsColumns,
		BlockSize:  cfg.Tokenizer.BlockSize,
		Progress: func(done, total int) {
			log.Printf("  %d / %d cells", done, total)
		},
	})
	stats, err := b.Build(ctx, cells, sink.Write)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(*output)
		log.Fatalf("Tokenization failed: %v", err)
	}

	log.Printf("Done: %d cells tokenized, %d skipped (zero expression), %s elapsed",
		stats.Cells, stats.Skipped, time.Since(start).Round(time.Millisecond))
}

func parseCells(s string) []int64 {
	var cells []int64
	for _, part := range splitList(s) {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Fatalf("Invalid cell id %q: %v", part, err)
		}
		cells = append(cells, v)
	}
	return cells
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
