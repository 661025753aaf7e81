// Package geneformer implements the rank-value gene tokenizer used to feed
// single-cell expression profiles from a TileDB-SOMA warehouse into a
// pretrained Geneformer-style transformer.
//
// The pipeline has three stages, built once per session and then applied
// cell by cell:
//
//	vocab := geneformer.BuildVocab(varRecords, dicts, cfg)
//	proj := geneformer.NewProjector(vocab)
//	tok := geneformer.NewTokenizer(vocab, maxInputTokens)
//
// The vocabulary is immutable after construction and safe for concurrent
// readers.
package geneformer

import "sort"

// RawRow is one cell's sparse expression over warehouse gene columns,
// as parallel arrays of (var soma_joinid, raw count). Order is arbitrary;
// zero counts are never stored.
type RawRow struct {
	Genes []int64
	Vals  []float32
}

// Vec is one cell's sparse expression over modeled-gene indices, with
// indices strictly ascending (vocabulary order). Zero values are never
// stored; downstream ranking relies on absent entries meaning "undetected".
type Vec struct {
	Idx []int32
	Val []float32
}

// Len returns the number of nonzero entries.
func (v Vec) Len() int { return len(v.Idx) }

// Sum returns the total raw count across nonzero entries.
func (v Vec) Sum() float64 {
	var s float64
	for _, x := range v.Val {
		s += float64(x)
	}
	return s
}

type rankedGene struct {
	gene int32
	norm float64
}

// topK sorts pairs by descending norm, ties broken by the incoming order
// (ascending modeled-gene index for projected rows), and truncates to at
// most k entries. The stable sort keeps the tie-break deterministic for a
// given sparse representation.
func topK(pairs []rankedGene, k int) []rankedGene {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].norm > pairs[j].norm
	})
	if len(pairs) > k {
		pairs = pairs[:k]
	}
	return pairs
}
