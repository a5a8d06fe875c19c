package backends

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// DefaultBufferSize for file operations
const DefaultBufferSize = 32 * 1024

// FileBackend appends entries to a file. Writes take an advisory lock on a
// sidecar lock file so several relays can share one log file.
type FileBackend struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	lock   *flock.Flock
	path   string
	size   int64

	writeCount   uint64
	errorCount   uint64
	lastError    time.Time
	maxWriteTime time.Duration
	totalWrite   time.Duration
}

// NewFileBackend opens path for appending, creating it and its directory.
func NewFileBackend(path string) (*FileBackend, error) {
	cleanPath := filepath.Clean(path)

	// #nosec G301 - log directories need to be accessible by other processes
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // #nosec G302 - log files need to be readable
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "stat file")
	}

	return &FileBackend{
		file:   file,
		writer: bufio.NewWriterSize(file, DefaultBufferSize),
		lock:   flock.New(cleanPath + ".lock"),
		path:   cleanPath,
		size:   info.Size(),
	}, nil
}

// Write appends one entry. The lock is held until Flush so a buffered entry
// never interleaves with another process's writes.
func (fb *FileBackend) Write(entry []byte) (int, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	start := time.Now()
	if err := fb.lock.Lock(); err != nil {
		fb.recordError()
		return 0, errors.Wrap(err, "acquire lock")
	}
	defer func() {
		_ = fb.lock.Unlock()
	}()

	n, err := fb.writer.Write(entry)
	if err == nil {
		err = fb.writer.Flush()
	}
	fb.size += int64(n)
	if err != nil {
		fb.recordError()
		return n, errors.Wrap(err, "write file")
	}

	elapsed := time.Since(start)
	fb.writeCount++
	fb.totalWrite += elapsed
	if elapsed > fb.maxWriteTime {
		fb.maxWriteTime = elapsed
	}
	return n, nil
}

func (fb *FileBackend) recordError() {
	fb.errorCount++
	fb.lastError = time.Now()
}

// Flush flushes buffered data to the file.
func (fb *FileBackend) Flush() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.writer.Flush()
}

// Sync flushes and fsyncs the file.
func (fb *FileBackend) Sync() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if err := fb.writer.Flush(); err != nil {
		return err
	}
	return fb.file.Sync()
}

// Close flushes and closes the file.
func (fb *FileBackend) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var errs []error
	if err := fb.writer.Flush(); err != nil {
		errs = append(errs, errors.Wrap(err, "flush"))
	}
	if err := fb.file.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close file"))
	}
	if len(errs) > 0 {
		return errors.Errorf("close errors: %v", errs)
	}
	return nil
}

// Path returns the file path.
func (fb *FileBackend) Path() string { return fb.path }

// GetStats returns backend statistics.
func (fb *FileBackend) GetStats() BackendStats {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	bytesWritten := uint64(0)
	if fb.size > 0 {
		bytesWritten = uint64(fb.size)
	}
	return BackendStats{
		Path:           fb.path,
		Size:           fb.size,
		WriteCount:     fb.writeCount,
		BytesWritten:   bytesWritten,
		ErrorCount:     fb.errorCount,
		LastError:      fb.lastError,
		TotalWriteTime: fb.totalWrite,
		MaxWriteTime:   fb.maxWriteTime,
	}
}
