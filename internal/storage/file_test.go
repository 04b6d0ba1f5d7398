package storage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResults() []*MinedResult {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*MinedResult{
		{URL: "https://api.example.com/search?q=a", Query: "a", Timestamp: ts, Fields: map[string]any{"total_count": float64(12)}},
		{URL: "https://api.example.com/search?q=b", Query: "b", Timestamp: ts, Fields: map[string]any{"total_count": float64(0)}},
	}
}

func TestJSONLSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir, discardLogger())
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	if err := sink.Store(sampleResults()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "results.jsonl"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var queries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not JSON: %v", len(queries)+1, err)
		}
		if rec.Fields == nil {
			t.Errorf("record %q missing fields payload", rec.Query)
		}
		queries = append(queries, rec.Query)
	}
	if len(queries) != 2 || queries[0] != "a" || queries[1] != "b" {
		t.Errorf("expected records for queries [a b], got %v", queries)
	}
}

func TestCSVSinkWritesFixedSchema(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir, discardLogger())
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}

	if err := sink.Store(sampleResults()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "results.csv"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d rows", len(rows))
	}

	for i, col := range csvColumns {
		if rows[0][i] != col {
			t.Fatalf("expected header %v, got %v", csvColumns, rows[0])
		}
	}
	if rows[1][1] != "a" || rows[2][1] != "b" {
		t.Errorf("unexpected query column values: %v", rows[1:])
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rows[1][3]), &payload); err != nil {
		t.Fatalf("fields column is not JSON: %v (%q)", err, rows[1][3])
	}
	if payload["total_count"] != float64(12) {
		t.Errorf("unexpected fields payload: %v", payload)
	}
}

func TestCSVSinkEmptyRunLeavesHeader(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir, discardLogger())
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "results.csv"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read CSV: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a lone header row from an empty run, got %d rows", len(rows))
	}
}

func TestNewFileSinkRejectsUnknownType(t *testing.T) {
	if _, err := NewFileSink("parquet", t.TempDir(), discardLogger()); err == nil {
		t.Fatal("expected an error for an unsupported file sink type")
	}
}
