//go:build !soma

package soma

import (
	"fmt"
	"os"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates
// the experiment path, so config issues can be caught early, but all read
// methods return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

func (r *Reader) VarFeatures() ([]geneformer.VarRecord, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ObsColumnByCell(column string, cellJoinIDs []int64) (map[int64]string, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ObsGroupIndex(column string) (map[string][]int64, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ObsColumns() ([]string, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ListCells() ([]int64, error) {
	return nil, ErrUnsupported
}

func (r *Reader) ScanXForCells(cellJoinIDs []int64, onRow func(cell, gene int64, val float32)) error {
	return ErrUnsupported
}
