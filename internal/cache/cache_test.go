package cache

import (
	"testing"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

func TestManager_VocabRoundTrip(t *testing.T) {
	m, err := NewManager(2)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	key := VocabKey("/data/soma/experiment.soma", "tok.pkl", "med.pkl", "", false, 0)
	if _, ok := m.GetVocab(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	v := &geneformer.Vocab{Tokens: []int64{10, 20}}
	m.SetVocab(key, v)
	got, ok := m.GetVocab(key)
	if !ok || got != v {
		t.Fatalf("GetVocab = %v,%v, want cached vocab", got, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestVocabKey_Distinct(t *testing.T) {
	a := VocabKey("/e1", "t", "m", "", false, 0)
	b := VocabKey("/e1", "t", "m", "", true, 0)
	c := VocabKey("/e2", "t", "m", "", false, 0)
	if a == b || a == c || b == c {
		t.Fatalf("keys collide: %s %s %s", a, b, c)
	}
}
