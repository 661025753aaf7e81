package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cellcensus/geneformer/internal/geneformer"
	"github.com/cellcensus/geneformer/internal/jobstore"
)

// QueryWarehouse extends Warehouse with the reads needed to resolve a job's
// cell set.
type QueryWarehouse interface {
	Warehouse
	ObsGroupIndex(column string) (map[string][]int64, error)
	ListCells() ([]int64, error)
}

// ServiceConfig configures a tokenization service.
type ServiceConfig struct {
	Warehouse QueryWarehouse
	Vocab     *geneformer.Vocab
	Tokenizer *geneformer.Tokenizer
	OutputDir string
	BlockSize int
}

// Service runs tokenizations, synchronously or as persisted jobs.
type Service struct {
	cfg ServiceConfig
}

// NewService creates a tokenization service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

// Vocab returns the service's immutable vocabulary.
func (s *Service) Vocab() *geneformer.Vocab { return s.cfg.Vocab }

// ResolveCells turns job params into an ascending cell list: explicit cells
// win; otherwise an obs value filter; otherwise the whole experiment.
func (s *Service) ResolveCells(params jobstore.JobParams) ([]int64, error) {
	if len(params.Cells) > 0 {
		cells := append([]int64(nil), params.Cells...)
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
		return cells, nil
	}
	if params.FilterColumn != "" {
		idx, err := s.cfg.Warehouse.ObsGroupIndex(params.FilterColumn)
		if err != nil {
			return nil, fmt.Errorf("failed to load obs filter column %s: %w", params.FilterColumn, err)
		}
		var cells []int64
		for _, v := range params.FilterValues {
			cells = append(cells, idx[v]...)
		}
		if len(cells) == 0 {
			return nil, fmt.Errorf("no cells match %s in %v", params.FilterColumn, params.FilterValues)
		}
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
		return cells, nil
	}
	return s.cfg.Warehouse.ListCells()
}

// Tokenize runs a synchronous in-memory tokenization of a small cell set.
func (s *Service) Tokenize(ctx context.Context, cells []int64, obsColumns []string) ([]Record, Stats, error) {
	b := NewBuilder(s.cfg.Warehouse, s.cfg.Vocab, s.cfg.Tokenizer, Config{
		ObsColumns: obsColumns,
		BlockSize:  s.cfg.BlockSize,
	})
	var records []Record
	stats, err := b.Build(ctx, cells, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	return records, stats, err
}

// ExecuteJob runs one persisted tokenization job, streaming output to
// <OutputDir>/<jobID>.ndjson.zst (called by the job manager worker).
func (s *Service) ExecuteJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	store.UpdateJobProgress(jobID, "resolving_cells", 0, 0)
	cells, err := s.ResolveCells(job.Params)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		return fmt.Errorf("query resolved to no cells")
	}

	outPath := filepath.Join(s.cfg.OutputDir, jobID+".ndjson.zst")
	sink, err := NewNDJSONSink(outPath)
	if err != nil {
		return err
	}
	if err := store.SetJobOutput(jobID, outPath); err != nil {
		sink.Close()
		return err
	}

	b := NewBuilder(s.cfg.Warehouse, s.cfg.Vocab, s.cfg.Tokenizer, Config{
		ObsColumns: job.Params.ObsColumns,
		BlockSize:  s.cfg.BlockSize,
		Progress: func(done, total int) {
			store.UpdateJobProgress(jobID, "tokenizing", done, total)
		},
	})
	stats, err := b.Build(ctx, cells, sink.Write)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	store.UpdateJobCounts(jobID, stats.Cells, stats.Skipped)
	return err
}
