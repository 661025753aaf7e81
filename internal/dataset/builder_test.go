package dataset

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

// fakeWarehouse serves canned X rows and obs columns.
type fakeWarehouse struct {
	x     map[int64]geneformer.RawRow
	obs   map[string]map[int64]string
	cells []int64

	scans [][]int64 // cell blocks requested, in order
}

func (f *fakeWarehouse) ScanXForCells(cellJoinIDs []int64, onRow func(cell, gene int64, val float32)) error {
	f.scans = append(f.scans, append([]int64(nil), cellJoinIDs...))
	for _, c := range cellJoinIDs {
		row, ok := f.x[c]
		if !ok {
			continue
		}
		for i := range row.Genes {
			onRow(c, row.Genes[i], row.Vals[i])
		}
	}
	return nil
}

func (f *fakeWarehouse) ObsColumnByCell(column string, cellJoinIDs []int64) (map[int64]string, error) {
	vals, ok := f.obs[column]
	if !ok {
		return nil, fmt.Errorf("column not found: %s", column)
	}
	out := make(map[int64]string)
	for _, c := range cellJoinIDs {
		if v, ok := vals[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

func (f *fakeWarehouse) ObsGroupIndex(column string) (map[string][]int64, error) {
	vals, ok := f.obs[column]
	if !ok {
		return nil, fmt.Errorf("column not found: %s", column)
	}
	idx := make(map[string][]int64)
	for c, v := range vals {
		idx[v] = append(idx[v], c)
	}
	return idx, nil
}

func (f *fakeWarehouse) ListCells() ([]int64, error) {
	return f.cells, nil
}

// builderVocab: tokens [10,20,30], medians [1,2,5], warehouse columns 0..2.
func builderVocab(t *testing.T) *geneformer.Vocab {
	t.Helper()
	dicts := &geneformer.Dicts{
		Tokens:  map[string]int64{"ENSG0": 10, "ENSG1": 20, "ENSG2": 30},
		Medians: map[string]float64{"ENSG0": 1.0, "ENSG1": 2.0, "ENSG2": 5.0},
	}
	recs := []geneformer.VarRecord{
		{JoinID: 0, FeatureID: "ENSG0"},
		{JoinID: 1, FeatureID: "ENSG1"},
		{JoinID: 2, FeatureID: "ENSG2"},
	}
	v, err := geneformer.BuildVocab(recs, dicts, geneformer.VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("BuildVocab error: %v", err)
	}
	return v
}

func builderWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		x: map[int64]geneformer.RawRow{
			100: {Genes: []int64{0, 2}, Vals: []float32{4, 1}},
			101: {Genes: []int64{1}, Vals: []float32{2}},
			// 102 has no expression: skipped.
			103: {Genes: []int64{2, 0}, Vals: []float32{6, 1}},
		},
		obs: map[string]map[int64]string{
			"cell_type": {100: "neuron", 101: "astrocyte", 103: "microglia"},
			"tissue":    {100: "brain", 101: "brain", 103: "tongue"},
		},
		cells: []int64{100, 101, 102, 103},
	}
}

func TestBuilder_Build(t *testing.T) {
	wh := builderWarehouse()
	vocab := builderVocab(t)
	b := NewBuilder(wh, vocab, geneformer.NewTokenizer(vocab, 5), Config{
		ObsColumns: []string{"cell_type", "soma_joinid"},
		BlockSize:  2,
	})

	var got []Record
	stats, err := b.Build(context.Background(), []int64{100, 101, 102, 103}, func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if stats.Cells != 3 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want 3 cells, 1 skipped", stats)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}

	// Cell 100: counts [4,0,1] -> tokens [10,30].
	if got[0].SomaJoinID != 100 {
		t.Fatalf("record 0 cell = %d, want 100", got[0].SomaJoinID)
	}
	if want := []int64{10, 30}; !reflect.DeepEqual(got[0].InputIDs, want) {
		t.Fatalf("record 0 InputIDs = %v, want %v", got[0].InputIDs, want)
	}
	if got[0].Length != 2 {
		t.Fatalf("record 0 Length = %d, want 2", got[0].Length)
	}
	if got[0].Obs["cell_type"] != "neuron" {
		t.Fatalf("record 0 obs = %v", got[0].Obs)
	}
	if _, ok := got[0].Obs["soma_joinid"]; ok {
		t.Fatal("soma_joinid must come from the cell identifier, not obs")
	}
	if _, ok := got[0].Obs["tissue"]; ok {
		t.Fatal("unrequested obs column propagated")
	}

	// Zero-expression cell 102 excluded.
	for _, rec := range got {
		if rec.SomaJoinID == 102 {
			t.Fatal("zero-expression cell emitted")
		}
	}

	// Blocks of 2: [100,101], [102,103].
	wantScans := [][]int64{{100, 101}, {102, 103}}
	if !reflect.DeepEqual(wh.scans, wantScans) {
		t.Fatalf("scans = %v, want %v", wh.scans, wantScans)
	}
}

func TestBuilder_Progress(t *testing.T) {
	wh := builderWarehouse()
	vocab := builderVocab(t)
	var calls [][2]int
	b := NewBuilder(wh, vocab, geneformer.NewTokenizer(vocab, 5), Config{
		BlockSize: 3,
		Progress:  func(done, total int) { calls = append(calls, [2]int{done, total}) },
	})
	if _, err := b.Build(context.Background(), []int64{100, 101, 102, 103}, func(Record) error { return nil }); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	want := [][2]int{{3, 4}, {4, 4}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("progress calls = %v, want %v", calls, want)
	}
}

func TestBuilder_ContextCancelled(t *testing.T) {
	wh := builderWarehouse()
	vocab := builderVocab(t)
	b := NewBuilder(wh, vocab, geneformer.NewTokenizer(vocab, 5), Config{BlockSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Build(ctx, []int64{100, 101}, func(Record) error { return nil })
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBuilder_UnknownObsColumn(t *testing.T) {
	wh := builderWarehouse()
	vocab := builderVocab(t)
	b := NewBuilder(wh, vocab, geneformer.NewTokenizer(vocab, 5), Config{
		ObsColumns: []string{"no_such_column"},
	})
	if _, err := b.Build(context.Background(), []int64{100}, func(Record) error { return nil }); err == nil {
		t.Fatal("expected error for unknown obs column")
	}
}
