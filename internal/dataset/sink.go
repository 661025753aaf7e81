package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// NDJSONSink streams records to a newline-delimited JSON file, one object
// per cell. Paths ending in .zst are zstd-compressed. Each object carries
// soma_joinid, input_ids, length, and the requested obs columns flattened
// to top level.
type NDJSONSink struct {
	f   *os.File
	buf *bufio.Writer
	zw  *zstd.Encoder
	out io.Writer
	n   int
}

// NewNDJSONSink creates the output file, truncating any existing one.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output %s: %w", path, err)
	}
	s := &NDJSONSink{f: f, buf: bufio.NewWriterSize(f, 1<<20)}
	s.out = s.buf
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(s.buf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		s.zw = zw
		s.out = zw
	}
	return s, nil
}

// Write appends one record.
func (s *NDJSONSink) Write(rec Record) error {
	obj := make(map[string]interface{}, len(rec.Obs)+3)
	for k, v := range rec.Obs {
		obj[k] = v
	}
	// The identifier always wins over a same-named metadata column.
	obj["soma_joinid"] = rec.SomaJoinID
	obj["input_ids"] = rec.InputIDs
	obj["length"] = rec.Length

	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal record for cell %d: %w", rec.SomaJoinID, err)
	}
	line = append(line, '\n')
	if _, err := s.out.Write(line); err != nil {
		return err
	}
	s.n++
	return nil
}

// Count returns the number of records written.
func (s *NDJSONSink) Count() int { return s.n }

// Close flushes and closes the output file.
func (s *NDJSONSink) Close() error {
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			s.f.Close()
			return err
		}
	}
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
