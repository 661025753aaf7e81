package geneformer

import "fmt"

// normScale is the numerator of the per-gene normalization factor. It
// follows the reference model's own tokenizer and must match bit-for-bit
// for compatibility with pretrained weights; it is deliberately not
// configurable.
const normScale = 10_000.0

// defaultMinGenes is the coverage sanity threshold for the human Census /
// Geneformer combination (protein-coding plus miRNA genes, a little north
// of 20K). Other species or models need a different VocabConfig.MinGenes.
const defaultMinGenes = 20_000

// clsKey and sepKey are the fixed dictionary keys of the two special tokens.
const (
	clsKey = "<cls>"
	sepKey = "<sep>"
)

// VarRecord is one row of the warehouse gene feature table: the var
// soma_joinid and the external (Ensembl) feature id.
type VarRecord struct {
	JoinID    int64
	FeatureID string
}

// VocabConfig controls vocabulary construction.
type VocabConfig struct {
	// SpecialTokens requests resolution of the <cls>/<sep> tokens.
	SpecialTokens bool
	// MinGenes is the minimum matched-gene count; construction fails with
	// ErrIncompatibleVocabulary when not exceeded. Zero means the default
	// of 20,000.
	MinGenes int
}

// Vocab is the modeled-gene vocabulary for one warehouse experiment:
// the join of the warehouse var table against the model's token and
// median-expression dictionaries. Immutable after construction and safe
// to share across goroutines.
type Vocab struct {
	// Columns[g] lists the warehouse var soma_joinids that map onto
	// modeled gene g. Usually one; several when a remapping table aliases
	// multiple warehouse genes onto the same model gene.
	Columns [][]int64
	// Tokens[g] is the model token for gene g. Pairwise distinct.
	Tokens []int64
	// Medians[g] is the model's median expression for gene g. Positive.
	Medians []float64
	// Factors[g] = 10000 / Medians[g], precomputed once.
	Factors []float64

	SpecialTokens bool
	ClsToken      int64
	SepToken      int64

	colToGene map[int64]int
}

// NumGenes returns the number of modeled genes.
func (v *Vocab) NumGenes() int { return len(v.Tokens) }

// GeneFor returns the modeled-gene index a warehouse var column maps to.
func (v *Vocab) GeneFor(joinID int64) (int, bool) {
	g, ok := v.colToGene[joinID]
	return g, ok
}

// BuildVocab joins warehouse var records (in column order) against the
// model dictionaries. The first warehouse column seen for a model gene
// creates its entry; later aliasing columns accumulate onto it.
func BuildVocab(records []VarRecord, dicts *Dicts, cfg VocabConfig) (*Vocab, error) {
	if dicts == nil {
		return nil, fmt.Errorf("%w: nil dictionaries", ErrConfig)
	}
	minGenes := cfg.MinGenes
	if minGenes == 0 {
		minGenes = defaultMinGenes
	}

	v := &Vocab{
		SpecialTokens: cfg.SpecialTokens,
		colToGene:     make(map[int64]int, len(records)),
	}
	geneByID := make(map[string]int)

	for _, rec := range records {
		id := rec.FeatureID
		if dicts.Mapping != nil {
			if mapped, ok := dicts.Mapping[id]; ok {
				id = mapped
			}
		}
		tok, ok := dicts.Tokens[id]
		if !ok {
			continue
		}
		g, seen := geneByID[id]
		if !seen {
			med, ok := dicts.Medians[id]
			if !ok {
				return nil, fmt.Errorf("%w: no median expression for gene %s", ErrConfig, id)
			}
			g = len(v.Tokens)
			geneByID[id] = g
			v.Columns = append(v.Columns, nil)
			v.Tokens = append(v.Tokens, tok)
			v.Medians = append(v.Medians, med)
		}
		v.Columns[g] = append(v.Columns[g], rec.JoinID)
		v.colToGene[rec.JoinID] = g
	}

	seenTok := make(map[int64]struct{}, len(v.Tokens))
	for g, tok := range v.Tokens {
		if _, dup := seenTok[tok]; dup {
			return nil, fmt.Errorf("%w: duplicate token %d", ErrIncompatibleVocabulary, tok)
		}
		seenTok[tok] = struct{}{}
		if v.Medians[g] <= 0 {
			return nil, fmt.Errorf("%w: non-positive median expression for token %d", ErrIncompatibleVocabulary, tok)
		}
	}
	if len(v.Tokens) <= minGenes {
		return nil, fmt.Errorf("%w: only %d genes shared between warehouse and model dictionaries (need > %d)",
			ErrIncompatibleVocabulary, len(v.Tokens), minGenes)
	}

	v.Factors = make([]float64, len(v.Medians))
	for g, med := range v.Medians {
		v.Factors[g] = normScale / med
	}

	if cfg.SpecialTokens {
		cls, ok := dicts.Tokens[clsKey]
		if !ok {
			return nil, fmt.Errorf("%w: token dictionary has no %s entry", ErrConfig, clsKey)
		}
		sep, ok := dicts.Tokens[sepKey]
		if !ok {
			return nil, fmt.Errorf("%w: token dictionary has no %s entry", ErrConfig, sepKey)
		}
		v.ClsToken = cls
		v.SepToken = sep
	}

	return v, nil
}
