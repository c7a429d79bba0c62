package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends relayd logs to dated segment files next to BasePath.
// A log_file of logs/relayd.log produces
//
//	logs/relayd-2025-10-26.log
//	logs/relayd-2025-10-26-2.log   (after the first segment reached MaxBytes)
//	logs/relayd-2025-10-27.log     (next UTC day)
//
// and BasePath itself is kept pointing at the segment being written, so
// `tail -F logs/relayd.log` follows the daemon across rollovers.
type RotatingWriter struct {
	BasePath string
	// MaxBytes of zero disables size rollover.
	MaxBytes int64

	now func() time.Time

	mu      sync.Mutex
	day     string
	segment int
	file    *os.File
	written int64
}

// NewRotatingWriter opens today's segment for basePath. A basePath of "-"
// discards everything, for deployments that only log to stdout.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll switches segments when the UTC day changed or when next more bytes
// would push a non-empty segment past MaxBytes.
func (w *RotatingWriter) roll(next int64) error {
	clock := w.now
	if clock == nil {
		clock = time.Now
	}
	today := clock().UTC().Format(time.DateOnly)
	switch {
	case w.file == nil || w.day != today:
		w.day, w.segment = today, 1
	case w.MaxBytes > 0 && w.written > 0 && w.written+next > w.MaxBytes:
		w.segment++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) segmentPath() string {
	dir, name := filepath.Split(w.BasePath)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.segment > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.segment, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, w.day, ext))
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if dir := filepath.Dir(w.BasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logging: create dir %s: %w", dir, err)
		}
	}
	path := w.segmentPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	// Appending to a segment left by an earlier run counts its bytes.
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	w.file = f
	w.linkCurrent(path)
	return nil
}

// linkCurrent repoints BasePath at segment. Where symlinks are unavailable,
// BasePath holds the segment's path as text instead.
func (w *RotatingWriter) linkCurrent(segment string) {
	link := strings.TrimSpace(w.BasePath)
	if link == "" {
		return
	}
	if dest, err := os.Readlink(link); err == nil && dest == segment {
		return
	}
	_ = os.Remove(link)
	if err := os.Symlink(segment, link); err == nil {
		return
	}
	_ = os.WriteFile(link, []byte("current log file: "+segment+"\n"), 0o644)
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
