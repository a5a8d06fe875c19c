package backends

import (
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleBackend writes entries to stdout, stderr, or any writer.
type ConsoleBackend struct {
	mu     sync.Mutex
	w      io.Writer
	name   string
	writes uint64
	bytes  uint64
	errs   uint64
	lastEr time.Time
}

// NewConsoleBackend writes to stdout, or stderr when stream is "stderr".
func NewConsoleBackend(stream string) *ConsoleBackend {
	if stream == "stderr" {
		return NewWriterBackend("stderr", os.Stderr)
	}
	return NewWriterBackend("stdout", os.Stdout)
}

// NewWriterBackend writes to w.
func NewWriterBackend(name string, w io.Writer) *ConsoleBackend {
	return &ConsoleBackend{w: w, name: name}
}

// Write writes one entry.
func (c *ConsoleBackend) Write(entry []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(entry)
	if err != nil {
		c.errs++
		c.lastEr = time.Now()
		return n, err
	}
	c.writes++
	c.bytes += uint64(n)
	return n, nil
}

// Flush is a no-op; writes are unbuffered.
func (c *ConsoleBackend) Flush() error { return nil }

// Sync syncs the underlying file when it is one.
func (c *ConsoleBackend) Sync() error {
	if f, ok := c.w.(*os.File); ok {
		// Terminals and pipes reject fsync; that is not a delivery failure.
		_ = f.Sync()
	}
	return nil
}

// Close leaves the standard streams open.
func (c *ConsoleBackend) Close() error { return nil }

// GetStats returns backend statistics.
func (c *ConsoleBackend) GetStats() BackendStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BackendStats{
		Path:         "console://" + c.name,
		WriteCount:   c.writes,
		BytesWritten: c.bytes,
		ErrorCount:   c.errs,
		LastError:    c.lastEr,
	}
}
