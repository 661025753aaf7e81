// Package dataset assembles per-cell token records from a warehouse query:
// cells are pulled in fixed-size blocks, each block's sparse expression is
// projected onto the modeled-gene space once, and cells are tokenized one
// by one with their requested obs metadata merged in.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

// DefaultBlockSize is the number of cells fetched per X scan.
const DefaultBlockSize = 1024

// Warehouse is the slice of the SOMA reader the assembler needs.
type Warehouse interface {
	ScanXForCells(cellJoinIDs []int64, onRow func(cell, gene int64, val float32)) error
	ObsColumnByCell(column string, cellJoinIDs []int64) (map[int64]string, error)
}

// Record is one output row: the cell identifier, its token sequence, and
// any requested obs metadata. SomaJoinID is always the cell's own
// identifier, never a metadata lookup.
type Record struct {
	SomaJoinID int64
	InputIDs   []int64
	Length     int
	Obs        map[string]string
}

// Config controls assembly.
type Config struct {
	// ObsColumns are the metadata columns propagated into each record.
	// "soma_joinid" may be listed; it is served from the cell identifier.
	ObsColumns []string
	// BlockSize is the number of cells per fetched block (default 1024).
	BlockSize int
	// Progress, when set, is called after each block with cells processed
	// so far and the query total.
	Progress func(done, total int)
}

// Stats summarizes one Build run.
type Stats struct {
	Cells   int // records emitted
	Skipped int // zero-expression cells excluded
}

// Builder runs the block-fetch / project / tokenize loop.
type Builder struct {
	wh   Warehouse
	proj *geneformer.Projector
	tok  *geneformer.Tokenizer
	cfg  Config
}

// NewBuilder creates a builder over an immutable vocabulary.
func NewBuilder(wh Warehouse, vocab *geneformer.Vocab, tok *geneformer.Tokenizer, cfg Config) *Builder {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Builder{
		wh:   wh,
		proj: geneformer.NewProjector(vocab),
		tok:  tok,
		cfg:  cfg,
	}
}

// Build tokenizes the given cells in order, calling emit for each record.
// Zero-expression cells are logged and skipped; any other per-cell error
// aborts the run. Metadata for all cells is loaded once up front, then
// blocks are fetched sequentially.
func (b *Builder) Build(ctx context.Context, cells []int64, emit func(Record) error) (Stats, error) {
	var stats Stats

	obs := make(map[string]map[int64]string, len(b.cfg.ObsColumns))
	for _, col := range b.cfg.ObsColumns {
		if col == "soma_joinid" {
			continue
		}
		vals, err := b.wh.ObsColumnByCell(col, cells)
		if err != nil {
			return stats, fmt.Errorf("failed to load obs column %s: %w", col, err)
		}
		obs[col] = vals
	}

	for start := 0; start < len(cells); start += b.cfg.BlockSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + b.cfg.BlockSize
		if end > len(cells) {
			end = len(cells)
		}
		block := cells[start:end]

		byCell := make(map[int64]*geneformer.RawRow, len(block))
		err := b.wh.ScanXForCells(block, func(cell, gene int64, val float32) {
			row := byCell[cell]
			if row == nil {
				row = &geneformer.RawRow{}
				byCell[cell] = row
			}
			row.Genes = append(row.Genes, gene)
			row.Vals = append(row.Vals, val)
		})
		if err != nil {
			return stats, fmt.Errorf("failed to scan X block [%d:%d): %w", start, end, err)
		}

		for _, cell := range block {
			var raw geneformer.RawRow
			if row := byCell[cell]; row != nil {
				raw = *row
			}
			res, err := b.tok.EncodeCell(b.proj.ProjectRow(raw))
			if errors.Is(err, geneformer.ErrZeroExpression) {
				log.Printf("[dataset] skipping cell %d: no detected modeled genes", cell)
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("cell %d: %w", cell, err)
			}

			rec := Record{
				SomaJoinID: cell,
				InputIDs:   res.InputIDs,
				Length:     res.Length,
			}
			if len(obs) > 0 {
				rec.Obs = make(map[string]string, len(obs))
				for col, vals := range obs {
					if v, ok := vals[cell]; ok {
						rec.Obs[col] = v
					}
				}
			}
			if err := emit(rec); err != nil {
				return stats, err
			}
			stats.Cells++
		}

		if b.cfg.Progress != nil {
			b.cfg.Progress(end, len(cells))
		}
	}

	return stats, nil
}
