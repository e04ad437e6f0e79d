// Package jsonl reads and writes discovered mapping keys as one JSON object per line
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/storagedump"
)

// Record is one discovered key. Inner is set for nested (owner, spender) keys.
type Record struct {
	Key   common.Address  `json:"key"`
	Inner *common.Address `json:"inner,omitempty"`
	Block uint64          `json:"block,omitempty"`
}

type recordJSON struct {
	Key   string `json:"key"`
	Inner string `json:"inner,omitempty"`
	Block uint64 `json:"block,omitempty"`
}

// MarshalJSON writes checksummed addresses
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{Key: r.Key.Hex(), Block: r.Block}
	if r.Inner != nil {
		out.Inner = r.Inner.Hex()
	}
	return json.Marshal(out)
}

// UnmarshalJSON validates both addresses
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	key, err := storagedump.ParseAddress(raw.Key)
	if err != nil {
		return err
	}
	r.Key, r.Inner, r.Block = key, nil, raw.Block
	if raw.Inner != "" {
		inner, err := storagedump.ParseAddress(raw.Inner)
		if err != nil {
			return err
		}
		r.Inner = &inner
	}
	return nil
}

// Writer writes key records to JSONL format
type Writer struct {
	closer io.Closer
	writer *bufio.Writer
}

// NewWriter creates a new JSONL writer
func NewWriter(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Writer{
		closer: file,
		writer: bufio.NewWriter(file),
	}, nil
}

// NewStreamWriter writes to w. Close flushes but does not close w.
func NewStreamWriter(w io.Writer) *Writer {
	return &Writer{writer: bufio.NewWriter(w)}
}

// WriteRecord writes a single record
func (w *Writer) WriteRecord(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// WriteKeys writes every member of keys in ascending order
func (w *Writer) WriteKeys(keys *storagedump.KeySet) error {
	for _, a := range keys.Addresses() {
		if err := w.WriteRecord(Record{Key: a}); err != nil {
			return err
		}
	}
	return nil
}

// WritePair writes a nested key
func (w *Writer) WritePair(outer, inner common.Address) error {
	return w.WriteRecord(Record{Key: outer, Inner: &inner})
}

// Flush flushes buffered data
func (w *Writer) Flush() error {
	return w.writer.Flush()
}

// Close flushes and closes the underlying file
func (w *Writer) Close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Reader reads key records from JSONL format
type Reader struct {
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a new JSONL reader
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	r := NewStreamReader(file)
	r.closer = file
	return r, nil
}

// NewStreamReader reads from r
func NewStreamReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// ReadRecord reads the next record, skipping blank lines. It returns io.EOF
// at the end of the stream.
func (r *Reader) ReadRecord() (*Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec := new(Record)
		if err := json.Unmarshal(line, rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal key: %w", r.line, err)
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return nil, io.EOF
}

// ReadAll reads every remaining record
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
}

// Close closes the underlying file
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Keys splits records into the flat key set and the nested keys grouped by
// outer key in first-seen order
func Keys(records []Record) (*storagedump.KeySet, []storagedump.NestedKey) {
	keys := storagedump.NewKeySet()
	var (
		nested []storagedump.NestedKey
		index  = make(map[common.Address]int)
	)
	for _, rec := range records {
		keys.Add(rec.Key)
		if rec.Inner == nil {
			continue
		}
		keys.Add(*rec.Inner)
		i, ok := index[rec.Key]
		if !ok {
			i = len(nested)
			index[rec.Key] = i
			nested = append(nested, storagedump.NestedKey{Outer: storagedump.KeyValue(rec.Key.Hex())})
		}
		nested[i].Inner = append(nested[i].Inner, storagedump.KeyValue(rec.Inner.Hex()))
	}
	return keys, nested
}
