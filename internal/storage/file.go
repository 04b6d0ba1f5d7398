package storage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileRecord is the on-disk envelope for one mined result. Both file sinks
// share it: JSONL writes it as-is, CSV writes one column per field with
// Fields JSON-encoded into the last column.
type fileRecord struct {
	URL     string         `json:"url,omitempty"`
	Query   string         `json:"query"`
	MinedAt time.Time      `json:"mined_at"`
	Fields  map[string]any `json:"fields"`
}

func newFileRecord(r *MinedResult) fileRecord {
	return fileRecord{URL: r.URL, Query: r.Query, MinedAt: r.Timestamp, Fields: r.Fields}
}

// JSONLSink writes results as newline-delimited JSON, one record per line,
// streamed through a buffered writer as Store is called.
type JSONLSink struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLSink creates a streaming JSONL sink rooted at outputDir/results.jsonl.
func NewJSONLSink(outputDir string, logger *slog.Logger) (*JSONLSink, error) {
	f, err := createOutputFile(outputDir, "results.jsonl")
	if err != nil {
		return nil, err
	}

	return &JSONLSink{
		path:   f.Name(),
		file:   f,
		buf:    bufio.NewWriter(f),
		logger: logger.With("component", "jsonl_sink"),
	}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Store(results []*MinedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		line, err := json.Marshal(newFileRecord(r))
		if err != nil {
			return fmt.Errorf("encode JSONL record: %w", err)
		}
		line = append(line, '\n')
		if _, err := s.buf.Write(line); err != nil {
			return fmt.Errorf("write JSONL record: %w", err)
		}
		s.count++
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("JSONL written", "path", s.path, "results", s.count)
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush JSONL: %w", err)
	}
	return s.file.Close()
}

// csvColumns is the CSV sink's fixed schema. Mined payloads are free-form,
// so rather than sniffing columns from whichever batch arrives first (and
// silently dropping keys later batches introduce), the payload travels
// JSON-encoded in a single column and the envelope gets a column each.
var csvColumns = []string{"url", "query", "mined_at", "fields"}

// CSVSink writes results as CSV rows under the fixed csvColumns schema.
type CSVSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewCSVSink creates a CSV sink rooted at outputDir/results.csv. The
// header row is written immediately so even an empty run leaves a
// well-formed file.
func NewCSVSink(outputDir string, logger *slog.Logger) (*CSVSink, error) {
	f, err := createOutputFile(outputDir, "results.csv")
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvColumns); err != nil {
		f.Close()
		return nil, fmt.Errorf("write CSV header: %w", err)
	}

	return &CSVSink{
		path:   f.Name(),
		file:   f,
		writer: w,
		logger: logger.With("component", "csv_sink"),
	}, nil
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Store(results []*MinedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		payload, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode fields column: %w", err)
		}
		row := []string{r.URL, r.Query, r.Timestamp.Format(time.RFC3339), string(payload)}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		s.count++
	}

	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("CSV written", "path", s.path, "results", s.count)
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush CSV: %w", err)
	}
	return s.file.Close()
}

func createOutputFile(outputDir, name string) (*os.File, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(filepath.Join(outputDir, name))
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

// NewFileSink creates the appropriate file-based sink by type ("jsonl" or "csv").
func NewFileSink(sinkType, outputDir string, logger *slog.Logger) (Sink, error) {
	switch sinkType {
	case "jsonl":
		return NewJSONLSink(outputDir, logger)
	case "csv":
		return NewCSVSink(outputDir, logger)
	default:
		return nil, fmt.Errorf("unsupported file sink type: %s", sinkType)
	}
}
