// Package exporter writes crawl results to byte streams as CSV, a JSON array
// or JSON lines.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Format selects the stream encoding.
type Format string

// Supported formats.
const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

var (
	// ErrUnknownFormat is returned for formats other than csv, json and jsonl.
	ErrUnknownFormat = errors.New("unknown export format")
	// ErrFieldsRequired is returned when a CSV exporter has no fields.
	ErrFieldsRequired = errors.New("csv export requires fields")
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatJSON, FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Stream is a crawler.Exporter over an io.WriteCloser. Writes are serialized
// and the first failure sticks: later writes are dropped and OnEnd reports it.
type Stream struct {
	mu     sync.Mutex
	w      io.WriteCloser
	csv    *csv.Writer
	format Format
	fields []string
	lines  int
	err    error
	closed bool
}

var _ crawler.Exporter = (*Stream)(nil)

// NewStream wraps w. CSV output needs the dotted field paths to write, such as
// "response.url" or "options.maxDepth".
func NewStream(w io.WriteCloser, format Format, fields []string) (*Stream, error) {
	if w == nil {
		return nil, errors.New("writer is required")
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	s := &Stream{w: w, format: format, fields: append([]string(nil), fields...)}
	if format == FormatCSV {
		if len(fields) == 0 {
			return nil, ErrFieldsRequired
		}
		s.csv = csv.NewWriter(w)
	}
	return s, nil
}

// NewFile creates (or truncates) path and streams into it.
func NewFile(path string, format Format, fields []string) (*Stream, error) {
	f, err := os.Create(path) //nolint:gosec // operator-chosen output path
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	s, err := NewStream(f, format, fields)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// WriteHeader writes the CSV header row or the opening bracket.
func (s *Stream) WriteHeader(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.format {
	case FormatCSV:
		return s.writeCSV(s.fields)
	case FormatJSON:
		return s.write("[\n")
	}
	return nil
}

// WriteLine appends one result.
func (s *Stream) WriteLine(_ context.Context, res *crawler.Result) error {
	if res == nil {
		return errors.New("nil result")
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.format {
	case FormatCSV:
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		row := make([]string, len(s.fields))
		for i, field := range s.fields {
			row[i] = formatValue(lookup(doc, field))
		}
		err = s.writeCSV(row)
	case FormatJSON:
		prefix := ""
		if s.lines > 0 {
			prefix = ",\n"
		}
		err = s.write(prefix + string(raw))
	case FormatJSONL:
		err = s.write(string(raw) + "\n")
	}
	if err == nil {
		s.lines++
	}
	return err
}

// WriteFooter closes the JSON array.
func (s *Stream) WriteFooter(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == FormatJSON {
		return s.write("\n]\n")
	}
	return nil
}

// End flushes and closes the underlying writer.
func (s *Stream) End(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.csv != nil {
		s.csv.Flush()
		if err := s.csv.Error(); err != nil && s.err == nil {
			s.err = fmt.Errorf("flush csv: %w", err)
		}
	}
	if err := s.w.Close(); err != nil {
		err = fmt.Errorf("close export stream: %w", err)
		if s.err == nil {
			s.err = err
		}
		return err
	}
	return nil
}

// OnEnd reports the first write or close failure.
func (s *Stream) OnEnd(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Lines returns how many results were written.
func (s *Stream) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

func (s *Stream) write(text string) error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return errors.New("export stream closed")
	}
	if _, err := s.w.Write([]byte(text)); err != nil {
		s.err = fmt.Errorf("write export stream: %w", err)
		return s.err
	}
	return nil
}

func (s *Stream) writeCSV(record []string) error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return errors.New("export stream closed")
	}
	if err := s.csv.Write(record); err != nil {
		s.err = fmt.Errorf("write csv: %w", err)
		return s.err
	}
	return nil
}

// lookup resolves a dotted path such as "response.headers.content-type" or
// "links.0" against a decoded JSON document.
func lookup(doc any, path string) any {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, float64:
		return fmt.Sprint(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
