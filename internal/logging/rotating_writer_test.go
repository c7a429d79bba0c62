package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "relayd.log")
	day := time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC)
	w := &RotatingWriter{BasePath: base, MaxBytes: 10, now: func() time.Time { return day }}
	defer w.Close()

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("next")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "relayd-2025-10-26.log")); err != nil {
		t.Fatalf("first file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "relayd-2025-10-26-2.log")); err != nil {
		t.Fatalf("size rollover file missing: %v", err)
	}

	day = day.Add(24 * time.Hour)
	if _, err := w.Write([]byte("tomorrow")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "relayd-2025-10-27.log"))
	if err != nil || string(data) != "tomorrow" {
		t.Fatalf("day rollover file = %q, %v", data, err)
	}
}

func TestRotatingWriterKeepsBasePathCurrent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "logs", "relayd.log")
	day := time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC)
	w := &RotatingWriter{BasePath: base, now: func() time.Time { return day }}
	defer w.Close()

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	day = day.Add(24 * time.Hour)
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := filepath.Join(dir, "logs", "relayd-2025-10-27.log")
	if dest, err := os.Readlink(base); err == nil {
		if dest != want {
			t.Fatalf("base links to %s, want %s", dest, want)
		}
		return
	}
	data, err := os.ReadFile(base)
	if err != nil || !strings.Contains(string(data), want) {
		t.Fatalf("base pointer = %q, %v", data, err)
	}
}

func TestNewRotatingWriterDash(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDebugf(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "[relayd/test] ", 0)
	NewDebugf(l, false)("hidden %d", 1)
	NewDebugf(l, true)("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "[relayd/test] DEBUG shown 2") {
		t.Fatalf("unexpected output %q", out)
	}
}
