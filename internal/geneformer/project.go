package geneformer

import "sort"

// Projector reduces raw warehouse-column expression rows onto the
// modeled-gene index space of a Vocab. Warehouse columns that alias the
// same modeled gene sum into one entry.
type Projector struct {
	vocab *Vocab
}

// NewProjector creates a projector for the given vocabulary.
func NewProjector(vocab *Vocab) *Projector {
	return &Projector{vocab: vocab}
}

// ProjectRow projects one cell's raw row. The result's indices are strictly
// ascending modeled-gene indices (vocabulary order), so the sparse storage
// order downstream is deterministic regardless of triplet arrival order.
// Genes absent from the vocabulary are dropped; zero entries are never
// materialized.
func (p *Projector) ProjectRow(raw RawRow) Vec {
	acc := make(map[int32]float32, len(raw.Genes))
	for i, joinID := range raw.Genes {
		g, ok := p.vocab.colToGene[joinID]
		if !ok {
			continue
		}
		if v := raw.Vals[i]; v != 0 {
			acc[int32(g)] += v
		}
	}

	out := Vec{
		Idx: make([]int32, 0, len(acc)),
		Val: make([]float32, 0, len(acc)),
	}
	for g := range acc {
		out.Idx = append(out.Idx, g)
	}
	sort.Slice(out.Idx, func(i, j int) bool { return out.Idx[i] < out.Idx[j] })
	for _, g := range out.Idx {
		out.Val = append(out.Val, acc[g])
	}
	return out
}

// ProjectBlock projects a batch of raw rows, one Vec per cell in order.
func (p *Projector) ProjectBlock(rows []RawRow) []Vec {
	out := make([]Vec, len(rows))
	for i, raw := range rows {
		out[i] = p.ProjectRow(raw)
	}
	return out
}
