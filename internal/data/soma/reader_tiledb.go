//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/cellcensus/geneformer/internal/geneformer"
)

// Reader provides warehouse reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	varOnce sync.Once
	varRecs []geneformer.VarRecord
	varErr  error

	obsIdxMu    sync.Mutex
	obsIdxCache map[string]map[string][]int64 // column -> value -> []cell_joinid
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// VarFeatures returns the gene feature table (soma_joinid, feature_id),
// ordered by soma_joinid. Loaded once and cached.
func (r *Reader) VarFeatures() ([]geneformer.VarRecord, error) {
	r.varOnce.Do(func() { r.varErr = r.loadVarFeatures() })
	if r.varErr != nil {
		return nil, r.varErr
	}
	return r.varRecs, nil
}

func (r *Reader) loadVarFeatures() error {
	uri := r.experimentURI + "/ms/RNA/var"
	var recs []geneformer.VarRecord
	err := r.scanStringColumn(uri, "feature_id", nil, func(joinID int64, v string) {
		if v != "" {
			recs = append(recs, geneformer.VarRecord{JoinID: joinID, FeatureID: v})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to read var feature_id: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].JoinID < recs[j].JoinID })
	r.varRecs = recs
	return nil
}

// ObsColumnByCell reads one obs string column for the given cells.
// Returns a sparse map cell_joinid -> value (missing/null cells absent).
func (r *Reader) ObsColumnByCell(column string, cellJoinIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(cellJoinIDs))
	if len(cellJoinIDs) == 0 {
		return out, nil
	}
	uri := r.experimentURI + "/obs"
	err := r.scanStringColumn(uri, column, cellJoinIDs, func(joinID int64, v string) {
		out[joinID] = v
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read obs column %s: %w", column, err)
	}
	return out, nil
}

// ObsGroupIndex returns a map of column value -> cell joinids for a string
// column. Results are cached per column; the index backs value-filter
// queries ("all cells whose tissue_general is tongue").
func (r *Reader) ObsGroupIndex(column string) (map[string][]int64, error) {
	r.obsIdxMu.Lock()
	defer r.obsIdxMu.Unlock()

	if r.obsIdxCache == nil {
		r.obsIdxCache = make(map[string]map[string][]int64)
	}
	if cached, ok := r.obsIdxCache[column]; ok {
		return cached, nil
	}

	idx := make(map[string][]int64)
	uri := r.experimentURI + "/obs"
	err := r.scanStringColumn(uri, column, nil, func(joinID int64, v string) {
		if v != "" {
			idx[v] = append(idx[v], joinID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index obs column %s: %w", column, err)
	}
	r.obsIdxCache[column] = idx
	return idx, nil
}

// ObsColumns returns the list of attribute names in the obs DataFrame.
func (r *Reader) ObsColumns() ([]string, error) {
	uri := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var columns []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil {
			continue
		}
		if name == "soma_joinid" {
			continue
		}
		columns = append(columns, name)
	}
	return columns, nil
}

// ListCells returns the soma_joinids of all cells in obs, ascending.
func (r *Reader) ListCells() ([]int64, error) {
	uri := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get obs non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse obs non-empty domain: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create obs subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set obs range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create obs query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set obs subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set obs query layout: %w", err)
	}

	const chunkRows = 65536
	joinIDs := make([]int64, chunkRows)
	var cells []int64
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("obs query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("obs query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("obs query ResultBufferElements failed: %w", err)
		}
		got := int(elems["soma_joinid"][1])
		if got > len(joinIDs) {
			got = len(joinIDs)
		}
		cells = append(cells, joinIDs[:got]...)

		if status == tiledb.TILEDB_COMPLETED {
			return cells, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected obs query status: %v", status)
		}
	}
}

// ScanXForCells streams through ms/RNA/X/raw for the given cell joinids
// (all genes). For each non-zero entry, calls onRow(cellJoinID, geneJoinID,
// value). Processes in buffer-sized batches to handle large blocks.
func (r *Reader) ScanXForCells(cellJoinIDs []int64, onRow func(cell, gene int64, val float32)) error {
	if len(cellJoinIDs) == 0 {
		return nil
	}

	xURI := r.experimentURI + "/ms/RNA/X/raw"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_dim_1")
	if err != nil {
		return fmt.Errorf("failed to get X gene domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil
	}
	geneMin, geneMax, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse X gene domain: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()

	for _, cid := range cellJoinIDs {
		if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cid, cid)); err != nil {
			return fmt.Errorf("failed to add cell range: %w", err)
		}
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](geneMin, geneMax)); err != nil {
		return fmt.Errorf("failed to add gene range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	// For sparse reads, unordered is generally fine.
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValValid []uint8
	if valNullable {
		outValValid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}

		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := int(elems["soma_data"][1])
		if got > len(outVal) {
			got = len(outVal)
		}
		gotValid := 0
		if valNullable {
			gotValid = int(elems["soma_data"][2])
			if gotValid > len(outValValid) {
				gotValid = len(outValValid)
			}
		}

		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValValid[i] == 0 {
				continue
			}
			if outVal[i] != 0 {
				onRow(outCell[i], outGene[i], outVal[i])
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

// scanStringColumn streams (soma_joinid, column) pairs from a SOMA
// DataFrame with a var-length string attribute. When cells is nil the full
// non-empty domain is read; otherwise point ranges restrict to those rows.
func (r *Reader) scanStringColumn(uri, column string, cells []int64, onRow func(joinID int64, value string)) error {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return fmt.Errorf("failed to get schema: %w", err)
	}
	attr, err := schema.AttributeFromName(column)
	if err != nil {
		schema.Free()
		return fmt.Errorf("column not found: %s", column)
	}
	attr.Free()
	schema.Free()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	if cells == nil {
		ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
		if err != nil {
			return fmt.Errorf("failed to get non-empty domain: %w", err)
		}
		if isEmpty || ned == nil {
			return nil
		}
		minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
		}
		if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
			return fmt.Errorf("failed to set range: %w", err)
		}
	} else {
		for _, cid := range cells {
			if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](cid, cid)); err != nil {
				return fmt.Errorf("failed to add row range: %w", err)
			}
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set query layout: %w", err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded
	// domains safely. Buffer sizes are in/out params, so they are re-set
	// before every submit.
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	colNullable, err := attributeNullable(arr, column)
	if err != nil {
		return fmt.Errorf("failed to inspect %s nullable: %w", column, err)
	}
	var validity []uint8
	if colNullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if colNullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("query ResultBufferElements failed: %w", err)
		}

		usedJoin := int(elems["soma_joinid"][1])
		usedOffsets := int(elems[column][0])
		usedBytes := int(elems[column][1])
		usedValid := 0
		if colNullable {
			usedValid = int(elems[column][2])
		}
		if usedJoin > len(joinIDs) {
			usedJoin = len(joinIDs)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(dataBytes) {
			usedBytes = len(dataBytes)
		}
		if colNullable && usedValid > len(validity) {
			usedValid = len(validity)
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("query buffers too small for column %s", column)
		}

		off := offsets[:usedOffsets]
		data := dataBytes[:usedBytes]

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if colNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		for i := 0; i < lim; i++ {
			if colNullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(off[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(off[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			onRow(joinIDs[i], string(data[start:end]))
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
