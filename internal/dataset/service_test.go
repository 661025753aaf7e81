package dataset

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/cellcensus/geneformer/internal/geneformer"
	"github.com/cellcensus/geneformer/internal/jobstore"
)

func testService(t *testing.T, outDir string) (*Service, *fakeWarehouse) {
	t.Helper()
	wh := builderWarehouse()
	vocab := builderVocab(t)
	svc := NewService(ServiceConfig{
		Warehouse: wh,
		Vocab:     vocab,
		Tokenizer: geneformer.NewTokenizer(vocab, 5),
		OutputDir: outDir,
		BlockSize: 2,
	})
	return svc, wh
}

func TestService_ResolveCells(t *testing.T) {
	svc, _ := testService(t, t.TempDir())

	// Explicit cells win and are sorted.
	cells, err := svc.ResolveCells(jobstore.JobParams{Cells: []int64{103, 100}})
	if err != nil {
		t.Fatalf("ResolveCells error: %v", err)
	}
	if want := []int64{100, 103}; !reflect.DeepEqual(cells, want) {
		t.Fatalf("cells = %v, want %v", cells, want)
	}

	// Obs value filter.
	cells, err = svc.ResolveCells(jobstore.JobParams{FilterColumn: "tissue", FilterValues: []string{"brain"}})
	if err != nil {
		t.Fatalf("ResolveCells error: %v", err)
	}
	if want := []int64{100, 101}; !reflect.DeepEqual(cells, want) {
		t.Fatalf("cells = %v, want %v", cells, want)
	}

	// No match is an error.
	if _, err := svc.ResolveCells(jobstore.JobParams{FilterColumn: "tissue", FilterValues: []string{"liver"}}); err == nil {
		t.Fatal("expected error for empty filter result")
	}

	// Neither: whole experiment.
	cells, err = svc.ResolveCells(jobstore.JobParams{})
	if err != nil {
		t.Fatalf("ResolveCells error: %v", err)
	}
	if want := []int64{100, 101, 102, 103}; !reflect.DeepEqual(cells, want) {
		t.Fatalf("cells = %v, want %v", cells, want)
	}
}

func TestService_Tokenize(t *testing.T) {
	svc, _ := testService(t, t.TempDir())
	records, stats, err := svc.Tokenize(context.Background(), []int64{100, 102}, []string{"cell_type"})
	if err != nil {
		t.Fatalf("Tokenize error: %v", err)
	}
	if stats.Cells != 1 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(records) != 1 || records[0].SomaJoinID != 100 {
		t.Fatalf("records = %+v", records)
	}
}

func TestService_ExecuteJob(t *testing.T) {
	outDir := t.TempDir()
	svc, _ := testService(t, outDir)

	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	defer store.Close()

	job := &jobstore.Job{
		ID:        "job1",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.JobParams{ObsColumns: []string{"cell_type"}},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	if err := svc.ExecuteJob(context.Background(), store, "job1"); err != nil {
		t.Fatalf("ExecuteJob error: %v", err)
	}

	got, err := store.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.NCells != 3 || got.NSkipped != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", got.NCells, got.NSkipped)
	}
	wantOut := filepath.Join(outDir, "job1.ndjson.zst")
	if got.OutputPath != wantOut {
		t.Fatalf("output = %q, want %q", got.OutputPath, wantOut)
	}
	if fi, err := os.Stat(wantOut); err != nil || fi.Size() == 0 {
		t.Fatalf("output file missing or empty: %v", err)
	}
	if got.Progress.Phase != "tokenizing" || got.Progress.Done != 4 || got.Progress.Total != 4 {
		t.Fatalf("progress = %+v", got.Progress)
	}
}

func TestService_ExecuteJob_MissingJob(t *testing.T) {
	svc, _ := testService(t, t.TempDir())
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	defer store.Close()

	if err := svc.ExecuteJob(context.Background(), store, "nope"); err == nil {
		t.Fatal("expected error for missing job")
	}
}
