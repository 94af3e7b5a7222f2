package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Recorder persists closed trades as they happen.
type Recorder interface {
	Record(rec TradeRecord) error
	Close() error
}

// JSONLRecorder appends trades as JSON lines.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Record writes a single trade to the underlying JSONL file.
func (r *JSONLRecorder) Record(rec TradeRecord) error {
	return r.Append(rec)
}

// Append writes any JSON-encodable value as one line.
func (r *JSONLRecorder) Append(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errors.New("jsonl recorder closed")
	}
	return r.enc.Encode(v)
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReadJSONL loads every trade from a JSONL ledger file.
func ReadJSONL(path string) ([]TradeRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []TradeRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// NoopRecorder discards records; used when no sink is configured.
type NoopRecorder struct{}

func (NoopRecorder) Record(TradeRecord) error { return nil }
func (NoopRecorder) Close() error             { return nil }

// MultiRecorder fans a record out to several sinks.
type MultiRecorder []Recorder

// Record writes to every sink and joins their errors.
func (m MultiRecorder) Record(rec TradeRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink concurrently and returns the first error.
func (m MultiRecorder) Close() error {
	var g errgroup.Group
	for _, r := range m {
		g.Go(r.Close)
	}
	return g.Wait()
}
