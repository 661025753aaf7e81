package geneformer

import "fmt"

// DefaultMaxInputTokens is the model's input sequence length limit.
const DefaultMaxInputTokens = 2048

// CellResult is the tokenizer output for one cell.
type CellResult struct {
	InputIDs []int64
	Length   int
}

// Tokenizer turns one projected expression row into a token sequence:
// normalize by the vocabulary's median factors and the row total, rank
// genes by descending normalized expression, truncate, and optionally
// bracket with the <cls>/<sep> special tokens.
type Tokenizer struct {
	vocab          *Vocab
	maxInputTokens int
}

// NewTokenizer creates a tokenizer. maxInputTokens <= 0 selects
// DefaultMaxInputTokens. Special-token emission follows the vocabulary.
func NewTokenizer(vocab *Vocab, maxInputTokens int) *Tokenizer {
	if maxInputTokens <= 0 {
		maxInputTokens = DefaultMaxInputTokens
	}
	return &Tokenizer{vocab: vocab, maxInputTokens: maxInputTokens}
}

// MaxInputTokens returns the configured sequence length limit.
func (t *Tokenizer) MaxInputTokens() int { return t.maxInputTokens }

// EncodeCell tokenizes one projected row. A row with zero total expression
// returns ErrZeroExpression; callers skip the cell rather than aborting
// the batch. A row referencing a gene index outside the vocabulary returns
// ErrShapeMismatch, which indicates a projector contract breach and is not
// recoverable.
//
// The normalization denominator is the sum over the projected (modeled)
// genes only, not the cell's full original row total. This matches the
// reference tokenizer and must not be changed.
func (t *Tokenizer) EncodeCell(row Vec) (CellResult, error) {
	nGenes := t.vocab.NumGenes()
	var total float64
	for i, g := range row.Idx {
		if int(g) >= nGenes || g < 0 {
			return CellResult{}, fmt.Errorf("%w: gene index %d with %d modeled genes", ErrShapeMismatch, g, nGenes)
		}
		total += float64(row.Val[i])
	}
	if total == 0 {
		return CellResult{}, ErrZeroExpression
	}

	pairs := make([]rankedGene, len(row.Idx))
	for i, g := range row.Idx {
		pairs[i] = rankedGene{
			gene: g,
			norm: float64(row.Val[i]) * t.vocab.Factors[g] / total,
		}
	}
	pairs = topK(pairs, t.maxInputTokens)

	ids := make([]int64, 0, len(pairs)+2)
	for _, p := range pairs {
		ids = append(ids, t.vocab.Tokens[p.gene])
	}

	if t.vocab.SpecialTokens {
		// Bracket with <cls>/<sep>, dropping the trailing gene token at
		// each step if the sequence is already at the length limit.
		if len(ids) == t.maxInputTokens {
			ids = ids[:len(ids)-1]
		}
		ids = append([]int64{t.vocab.ClsToken}, ids...)
		if len(ids) == t.maxInputTokens {
			ids = ids[:len(ids)-1]
		}
		ids = append(ids, t.vocab.SepToken)
	}

	return CellResult{InputIDs: ids, Length: len(ids)}, nil
}
