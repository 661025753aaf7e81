// Package cache provides a small LRU for built vocabularies, so repeated
// queries against the same experiment and model files reuse the expensive
// var-table join instead of rebuilding it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

// DefaultSize is the default number of cached vocabularies.
const DefaultSize = 4

// Manager caches immutable vocabularies by experiment/model key.
type Manager struct {
	vocabs *lru.Cache[string, *geneformer.Vocab]
}

// NewManager creates a cache manager. size <= 0 selects DefaultSize.
func NewManager(size int) (*Manager, error) {
	if size <= 0 {
		size = DefaultSize
	}
	vocabs, err := lru.New[string, *geneformer.Vocab](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create vocab cache: %w", err)
	}
	return &Manager{vocabs: vocabs}, nil
}

// GetVocab retrieves a cached vocabulary.
func (m *Manager) GetVocab(key string) (*geneformer.Vocab, bool) {
	return m.vocabs.Get(key)
}

// SetVocab stores a vocabulary.
func (m *Manager) SetVocab(key string, v *geneformer.Vocab) {
	m.vocabs.Add(key, v)
}

// Len returns the number of cached vocabularies.
func (m *Manager) Len() int {
	return m.vocabs.Len()
}

// VocabKey generates a cache key from everything that determines a
// vocabulary's content.
func VocabKey(experimentURI, tokenPath, medianPath, mappingPath string, specialTokens bool, minGenes int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%v|%d", experimentURI, tokenPath, medianPath, mappingPath, specialTokens, minGenes)
	return "vocab:" + hex.EncodeToString(h.Sum(nil))[:16]
}
