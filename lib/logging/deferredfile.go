// Package logging holds the file-backed pieces of the daemon's logging
// story that don't fit lib/logger's slog-handler shape: a writer that
// can't open its target until a path is known, per-script-run log files
// with retention, and the supervisor's own rotating log file.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rumvm/rum/lib/rumerr"
)

// DeferredFile is an io.Writer that discards everything written to it
// until Bind opens a real file. Useful for a logger constructed before
// its target path is known — e.g. before a VM's config has resolved its
// paths.Paths — that must still be safe to write to immediately.
type DeferredFile struct {
	mu   sync.Mutex
	file *os.File
}

var _ io.WriteCloser = (*DeferredFile)(nil)

// Bind opens path for appending and directs all future writes there.
// Calling Bind twice replaces the previous target, closing it first.
func (d *DeferredFile) Bind(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "opening log file %s", path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.file
	d.file = f
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Write implements io.Writer. Before Bind is called, writes are
// silently discarded rather than buffered: nothing reads a backlog once
// the real file opens, and buffering indefinitely risks unbounded
// memory if Bind never comes.
func (d *DeferredFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	f := d.file
	d.mu.Unlock()

	if f == nil {
		return len(p), nil
	}
	return f.Write(p)
}

// Close closes the bound file, if any.
func (d *DeferredFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
