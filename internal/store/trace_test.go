package store

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-123"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Seq: 1, Kind: KindFunction, Source: SourceHistory, X: []float64{1, 1}, F: []float64{2}, G: []float64{1}, Timestamp: time.Now()},
		{Seq: 2, Kind: KindGradient, Source: SourceLive, X: []float64{1, 1}, Timestamp: time.Now()},
		{Seq: 3, Kind: KindFunction, Source: SourceLive, X: []float64{0, 0}, Fail: true, Timestamp: time.Now()},
	}
	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	tracePath := filepath.Join(tmpDir, "runs", runID, "trace.jsonl")
	if writer.Path() != tracePath {
		t.Errorf("Path = %s, want %s", writer.Path(), tracePath)
	}

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	for i, entry := range got {
		if entry.Seq != entries[i].Seq || entry.Kind != entries[i].Kind || entry.Source != entries[i].Source {
			t.Errorf("Entry %d: expected %+v, got %+v", i, entries[i], entry)
		}
		if len(entry.F) != len(entries[i].F) || len(entry.G) != len(entries[i].G) {
			t.Errorf("Entry %d: value lengths differ", i)
		}
	}
	if !got[2].Fail {
		t.Error("Fail flag not restored")
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-append"

	for i := 1; i <= 2; i++ {
		writer, err := NewTraceWriter(tmpDir, runID, i > 1)
		if err != nil {
			t.Fatalf("Failed to create trace writer: %v", err)
		}
		if err := writer.Write(TraceEntry{Seq: i, Kind: KindFunction, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
		writer.Close()
	}

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries after append, got %d", len(entries))
	}
}

func TestTraceWriter_FlushMakesEntriesVisible(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-flush"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	writer.Write(TraceEntry{Seq: 1, Kind: KindFunction, Timestamp: time.Now()})

	info, err := os.Stat(writer.Path())
	if err != nil {
		t.Fatalf("Failed to stat trace: %v", err)
	}
	if info.Size() != 0 {
		t.Error("Entry should still be buffered")
	}

	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	info, err = os.Stat(writer.Path())
	if err != nil {
		t.Fatalf("Failed to stat trace: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Flush should write buffered entries")
	}
}

func TestTraceWriter_RejectsNonFinite(t *testing.T) {
	writer, err := NewTraceWriter(t.TempDir(), "test-run-nan", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	if err := writer.Write(TraceEntry{F: []float64{math.NaN()}}); err == nil {
		t.Error("Expected error for NaN value")
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTrace(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-delete"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	writer.Close()

	if err := DeleteTrace(tmpDir, runID); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	if _, err := os.Stat(writer.Path()); !os.IsNotExist(err) {
		t.Error("Trace file should be deleted")
	}
	if err := DeleteTrace(tmpDir, runID); err != nil {
		t.Errorf("DeleteTrace should not error for nonexistent file, got: %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-concurrent"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			if err := writer.Write(TraceEntry{Seq: seq, Kind: KindFunction, Timestamp: time.Now()}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
		}(i + 1)
	}
	wg.Wait()
	writer.Flush()

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}
