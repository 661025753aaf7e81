package geneformer

import "errors"

var (
	// ErrConfig indicates missing or unreadable static model files, or a
	// special-token lookup that failed.
	ErrConfig = errors.New("geneformer: invalid configuration")

	// ErrIncompatibleVocabulary indicates the gene overlap between the
	// warehouse and the model dictionaries failed a sanity check
	// (mismatched species/model or corrupted mapping).
	ErrIncompatibleVocabulary = errors.New("geneformer: incompatible vocabulary")

	// ErrZeroExpression indicates a cell with no detected modeled genes.
	// Non-fatal: callers skip the cell and continue.
	ErrZeroExpression = errors.New("geneformer: cell has zero total expression over modeled genes")

	// ErrShapeMismatch indicates a projected row referencing genes outside
	// the vocabulary. This is a contract breach between builder and
	// projector, not a data condition.
	ErrShapeMismatch = errors.New("geneformer: projected row does not match vocabulary shape")
)
