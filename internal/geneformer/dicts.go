package geneformer

import (
	"fmt"
	"math/big"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
)

// Dicts holds the model's static gene dictionaries, loaded from the pickle
// files shipped with the pretrained model. Mapping is nil when no remapping
// file was configured (identity mapping).
type Dicts struct {
	Tokens  map[string]int64
	Medians map[string]float64
	Mapping map[string]string
}

// LoadDicts reads the token and median dictionaries, plus the optional
// warehouse-gene-id remapping dictionary when mappingPath is non-empty.
// Paths are explicit, required configuration; there is no implicit
// discovery from an installed model package.
func LoadDicts(tokenPath, medianPath, mappingPath string) (*Dicts, error) {
	if tokenPath == "" || medianPath == "" {
		return nil, fmt.Errorf("%w: token and median dictionary paths are required", ErrConfig)
	}

	tokens, err := loadPickleDict(tokenPath)
	if err != nil {
		return nil, err
	}
	medians, err := loadPickleDict(medianPath)
	if err != nil {
		return nil, err
	}

	d := &Dicts{
		Tokens:  make(map[string]int64, tokens.Len()),
		Medians: make(map[string]float64, medians.Len()),
	}
	for _, k := range tokens.Keys() {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: non-string key %v", ErrConfig, tokenPath, k)
		}
		v, _ := tokens.Get(k)
		tok, err := asInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: token for %s: %v", ErrConfig, tokenPath, key, err)
		}
		d.Tokens[key] = tok
	}
	for _, k := range medians.Keys() {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: non-string key %v", ErrConfig, medianPath, k)
		}
		v, _ := medians.Get(k)
		med, err := asFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: median for %s: %v", ErrConfig, medianPath, key, err)
		}
		d.Medians[key] = med
	}

	if mappingPath != "" {
		mapping, err := loadPickleDict(mappingPath)
		if err != nil {
			return nil, err
		}
		d.Mapping = make(map[string]string, mapping.Len())
		for _, k := range mapping.Keys() {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: non-string key %v", ErrConfig, mappingPath, k)
			}
			v, _ := mapping.Get(k)
			val, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: non-string value for %s", ErrConfig, mappingPath, key)
			}
			d.Mapping[key] = val
		}
	}

	return d, nil
}

func loadPickleDict(path string) (*types.Dict, error) {
	obj, err := pickle.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfig, path, err)
	}
	dict, ok := obj.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not contain a pickled dict (got %T)", ErrConfig, path, obj)
	}
	return dict, nil
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		return int64(x), nil
	case *big.Int:
		if !x.IsInt64() {
			return 0, fmt.Errorf("integer out of range: %v", x)
		}
		return x.Int64(), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func asFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
