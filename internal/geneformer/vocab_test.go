package geneformer

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// testDicts builds in-memory model dictionaries for n genes named
// ENSG0..ENSG{n-1}, with token = 10*(g+1) and median = float64(g+1).
func testDicts(n int) *Dicts {
	d := &Dicts{
		Tokens:  make(map[string]int64, n+2),
		Medians: make(map[string]float64, n),
	}
	for g := 0; g < n; g++ {
		id := fmt.Sprintf("ENSG%d", g)
		d.Tokens[id] = int64(10 * (g + 1))
		d.Medians[id] = float64(g + 1)
	}
	return d
}

func testRecords(n int) []VarRecord {
	recs := make([]VarRecord, n)
	for i := 0; i < n; i++ {
		recs[i] = VarRecord{JoinID: int64(i), FeatureID: fmt.Sprintf("ENSG%d", i)}
	}
	return recs
}

func TestBuildVocab_Basic(t *testing.T) {
	v, err := BuildVocab(testRecords(3), testDicts(3), VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("BuildVocab error: %v", err)
	}
	if v.NumGenes() != 3 {
		t.Fatalf("NumGenes = %d, want 3", v.NumGenes())
	}
	wantTokens := []int64{10, 20, 30}
	if !reflect.DeepEqual(v.Tokens, wantTokens) {
		t.Fatalf("Tokens = %v, want %v", v.Tokens, wantTokens)
	}
	for g := 0; g < 3; g++ {
		if v.Medians[g] <= 0 {
			t.Fatalf("median[%d] = %v, want > 0", g, v.Medians[g])
		}
		want := 10000.0 / v.Medians[g]
		if v.Factors[g] != want {
			t.Fatalf("factor[%d] = %v, want %v", g, v.Factors[g], want)
		}
		if len(v.Columns[g]) != 1 || v.Columns[g][0] != int64(g) {
			t.Fatalf("columns[%d] = %v, want [%d]", g, v.Columns[g], g)
		}
	}
	if gi, ok := v.GeneFor(2); !ok || gi != 2 {
		t.Fatalf("GeneFor(2) = %d,%v, want 2,true", gi, ok)
	}
}

func TestBuildVocab_Idempotent(t *testing.T) {
	recs := testRecords(5)
	dicts := testDicts(5)
	a, err := BuildVocab(recs, dicts, VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	b, err := BuildVocab(recs, dicts, VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !reflect.DeepEqual(a.Tokens, b.Tokens) ||
		!reflect.DeepEqual(a.Medians, b.Medians) ||
		!reflect.DeepEqual(a.Columns, b.Columns) ||
		!reflect.DeepEqual(a.Factors, b.Factors) {
		t.Fatalf("two builds from identical inputs differ: %+v vs %+v", a, b)
	}
}

func TestBuildVocab_AliasColumnsAccumulate(t *testing.T) {
	// Two warehouse columns remap onto the same model gene.
	dicts := testDicts(2)
	dicts.Mapping = map[string]string{"ENSGALT": "ENSG0"}
	recs := []VarRecord{
		{JoinID: 0, FeatureID: "ENSG0"},
		{JoinID: 1, FeatureID: "ENSG1"},
		{JoinID: 2, FeatureID: "ENSGALT"},
	}
	v, err := BuildVocab(recs, dicts, VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("BuildVocab error: %v", err)
	}
	if v.NumGenes() != 2 {
		t.Fatalf("NumGenes = %d, want 2", v.NumGenes())
	}
	if want := []int64{0, 2}; !reflect.DeepEqual(v.Columns[0], want) {
		t.Fatalf("columns[0] = %v, want %v", v.Columns[0], want)
	}
	if g, ok := v.GeneFor(2); !ok || g != 0 {
		t.Fatalf("GeneFor(2) = %d,%v, want 0,true", g, ok)
	}
}

func TestBuildVocab_UnmatchedGenesSkipped(t *testing.T) {
	recs := append(testRecords(2), VarRecord{JoinID: 99, FeatureID: "ENSG_NOVEL"})
	v, err := BuildVocab(recs, testDicts(2), VocabConfig{MinGenes: 1})
	if err != nil {
		t.Fatalf("BuildVocab error: %v", err)
	}
	if v.NumGenes() != 2 {
		t.Fatalf("NumGenes = %d, want 2", v.NumGenes())
	}
	if _, ok := v.GeneFor(99); ok {
		t.Fatal("unmatched warehouse column should not map to a gene")
	}
}

func TestBuildVocab_CoverageThreshold(t *testing.T) {
	_, err := BuildVocab(testRecords(3), testDicts(3), VocabConfig{MinGenes: 3})
	if !errors.Is(err, ErrIncompatibleVocabulary) {
		t.Fatalf("err = %v, want ErrIncompatibleVocabulary", err)
	}
	// Default threshold: 3 genes is nowhere near 20,000.
	_, err = BuildVocab(testRecords(3), testDicts(3), VocabConfig{})
	if !errors.Is(err, ErrIncompatibleVocabulary) {
		t.Fatalf("err = %v, want ErrIncompatibleVocabulary with default threshold", err)
	}
}

func TestBuildVocab_DuplicateToken(t *testing.T) {
	dicts := testDicts(3)
	dicts.Tokens["ENSG2"] = dicts.Tokens["ENSG0"]
	_, err := BuildVocab(testRecords(3), dicts, VocabConfig{MinGenes: 1})
	if !errors.Is(err, ErrIncompatibleVocabulary) {
		t.Fatalf("err = %v, want ErrIncompatibleVocabulary", err)
	}
}

func TestBuildVocab_NonPositiveMedian(t *testing.T) {
	dicts := testDicts(3)
	dicts.Medians["ENSG1"] = 0
	_, err := BuildVocab(testRecords(3), dicts, VocabConfig{MinGenes: 1})
	if !errors.Is(err, ErrIncompatibleVocabulary) {
		t.Fatalf("err = %v, want ErrIncompatibleVocabulary", err)
	}
}

func TestBuildVocab_MissingMedian(t *testing.T) {
	dicts := testDicts(3)
	delete(dicts.Medians, "ENSG1")
	_, err := BuildVocab(testRecords(3), dicts, VocabConfig{MinGenes: 1})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestBuildVocab_SpecialTokens(t *testing.T) {
	dicts := testDicts(3)
	_, err := BuildVocab(testRecords(3), dicts, VocabConfig{MinGenes: 1, SpecialTokens: true})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig when <cls>/<sep> missing", err)
	}

	dicts.Tokens["<cls>"] = 1
	dicts.Tokens["<sep>"] = 2
	v, err := BuildVocab(testRecords(3), dicts, VocabConfig{MinGenes: 1, SpecialTokens: true})
	if err != nil {
		t.Fatalf("BuildVocab error: %v", err)
	}
	if v.ClsToken != 1 || v.SepToken != 2 {
		t.Fatalf("cls/sep = %d/%d, want 1/2", v.ClsToken, v.SepToken)
	}
}
