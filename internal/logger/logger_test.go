package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelsArePrefixed(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)

	l.Info("stage %d", 1)
	l.Warning("dropped %d rois", 2)
	l.Error("failed")

	out := buf.String()
	for _, want := range []string{"INFO    ", "stage 1", "WARNING ", "dropped 2 rois", "ERROR   ", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q is missing %q", out, want)
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored")
	l.Warning("ignored")
	l.Error("ignored")
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil logger: %v", err)
	}
}

func TestFilesAreWritten(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warning("boundary roi dropped")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "warning.log"))
	if err != nil {
		t.Fatalf("reading warning.log: %v", err)
	}
	if !strings.Contains(string(data), "boundary roi dropped") {
		t.Errorf("warning.log = %q", data)
	}
}
