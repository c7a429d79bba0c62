package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every relay logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// DefaultMaxBytes is the size at which a daily log file rolls over.
const DefaultMaxBytes = int64(300 * 1024 * 1024)

// Setup points the standard logger at stdout, mirrored into a rotating file
// when path is set, and tags it with "[prefix] ". The returned closer releases the file.
func Setup(prefix, path string, maxBytes int64) (io.Closer, error) {
	log.SetFlags(Flags)
	log.SetPrefix("[" + prefix + "] ")
	if strings.TrimSpace(path) == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}
	rot, err := NewRotatingWriter(path, maxBytes)
	if err != nil {
		return nil, err
	}
	// Mirror to stdout as well for foreground runs
	log.SetOutput(io.MultiWriter(os.Stdout, rot))
	return rot, nil
}

// Component returns a logger sharing the standard logger's output with a
// "[parent/name] " prefix.
func Component(parent, name string) *log.Logger {
	return log.New(log.Writer(), "["+parent+"/"+name+"] ", Flags)
}

// Debugf is a Printf gated on a debug flag.
type Debugf func(format string, args ...any)

// NewDebugf returns a Debugf writing to l when enabled, otherwise a no-op.
func NewDebugf(l *log.Logger, enabled bool) Debugf {
	if !enabled || l == nil {
		return func(string, ...any) {}
	}
	return func(format string, args ...any) { l.Printf("DEBUG "+format, args...) }
}
