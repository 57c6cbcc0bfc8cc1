package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComponentPrefix(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scoutsync.log")

	sink := NewSink(Options{File: file, MaxSizeMB: 1, Quiet: true})
	defer sink.Close()

	logger := sink.Component("transport")
	logger.Println("peer connected")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[transport] ") {
		t.Errorf("log line missing component prefix: %q", line)
	}
	if !strings.Contains(line, "peer connected") {
		t.Errorf("log line missing message: %q", line)
	}
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	sink := NewSink(Options{Quiet: true})
	defer sink.Close()

	// Must not panic or write anywhere.
	sink.Component("capture").Println("dropped")
}
