// Package findings persists vulnerability findings reported by scanners.
package findings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Record is one confirmed vulnerability on one service.
type Record struct {
	Host       string    `json:"host" yaml:"host"`
	Port       uint      `json:"port" yaml:"port"`
	Protocol   string    `json:"protocol" yaml:"protocol"`
	Module     string    `json:"module" yaml:"module"`
	Title      string    `json:"title" yaml:"title"`
	Evidence   string    `json:"evidence" yaml:"evidence"`
	References []string  `json:"references" yaml:"references"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Sink stores records. Implementations are safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, r *Record) error
	Close() error
}

// Format selects the serialization of a file sink.
type Format string

const (
	FormatJSONLines = Format("jsonl")
	FormatYAML      = Format("yaml")
)

// FormatForFile picks the format from the file extension: YAML for .yaml and
// .yml, JSON lines otherwise.
func FormatForFile(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONLines
	}
}

// WriterSink serializes records to an io.Writer, one JSON object per line or
// one YAML document per record.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	format Format
}

// NewWriterSink returns a sink writing to w. If w is an io.Closer it is closed
// with the sink.
func NewWriterSink(w io.Writer, format Format) *WriterSink {
	s := &WriterSink{w: w, format: format}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// openFile is a findings file shared by every sink opened on its path.
type openFile struct {
	path string
	f    *os.File
	sink *WriterSink
	refs int
}

var (
	openFilesMu sync.Mutex
	openFiles   = make(map[string]*openFile)
)

// OpenFile opens the named file for appending, creating it if needed, and
// returns a sink writing to it in the format given by its extension.
// Sinks opened on the same path share one handle; the file is closed with
// the last of them.
func OpenFile(name string) (*WriterSink, error) {
	path, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("invalid findings file %s: %w", name, err)
	}
	openFilesMu.Lock()
	defer openFilesMu.Unlock()
	if of, ok := openFiles[path]; ok {
		of.refs++
		return of.sink, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open findings file: %w", err)
	}
	of := &openFile{path: path, f: f, refs: 1}
	of.sink = &WriterSink{w: f, closer: of, format: FormatForFile(name)}
	openFiles[path] = of
	return of.sink, nil
}

// Close drops one reference, closing the file with the last.
func (of *openFile) Close() error {
	openFilesMu.Lock()
	defer openFilesMu.Unlock()
	if of.refs == 0 {
		return nil
	}
	of.refs--
	if of.refs > 0 {
		return nil
	}
	delete(openFiles, of.path)
	return of.f.Close()
}

func (s *WriterSink) encode(r *Record) ([]byte, error) {
	switch s.format {
	case FormatYAML:
		data, err := yaml.Marshal(r)
		if err != nil {
			return nil, err
		}
		return append([]byte("---\n"), data...), nil
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

// Write serializes r.
func (s *WriterSink) Write(_ context.Context, r *Record) error {
	data, err := s.encode(r)
	if err != nil {
		return fmt.Errorf("could not encode finding for %s: %w", r.Host, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// Close closes the underlying writer if it is closeable.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadYAML decodes every record of a YAML findings stream.
func ReadYAML(r io.Reader) ([]Record, error) {
	var ret []Record
	dec := yaml.NewDecoder(r)
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
}

// MultiSink writes every record to all of its sinks.
type MultiSink []Sink

// Write writes r to each sink, returning the joined errors.
func (m MultiSink) Write(ctx context.Context, r *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each sink, returning the joined errors.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
