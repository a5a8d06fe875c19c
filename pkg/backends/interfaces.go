package backends

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ErrNoPayload is returned when an entry reaches a destination without its
// serialized form.
var ErrNoPayload = types.WithCategory(errors.New("entry has no serialized payload"), "MissingPayload")

// Backend writes serialized entries to one output.
type Backend interface {
	// Write writes one serialized entry
	Write(entry []byte) (int, error)

	// Flush ensures all buffered data is written
	Flush() error

	// Close closes the backend
	Close() error

	// Sync syncs the backend to persistent storage
	Sync() error

	// GetStats returns backend statistics
	GetStats() BackendStats
}

// entryWriter is implemented by backends that need more than the payload,
// such as syslog which derives the severity from the level.
type entryWriter interface {
	WriteEntry(entry *types.LogEntry) (int, error)
}

// DestinationInfo provides information about a destination
type DestinationInfo struct {
	Name         string
	Type         string
	URI          string
	Enabled      bool
	BytesWritten uint64
	Errors       uint64
	LastWrite    time.Time
}

// BackendStats represents statistics for a backend
type BackendStats struct {
	Path           string
	Size           int64
	WriteCount     uint64
	BytesWritten   uint64
	ErrorCount     uint64
	LastError      time.Time
	TotalWriteTime time.Duration
	MaxWriteTime   time.Duration
}

// Destination adapts a Backend to types.Destination. Each Send writes the
// entry's shared payload and flushes.
type Destination struct {
	name    string
	kind    string
	uri     string
	backend Backend
	enabled atomic.Bool

	// serializes write+flush pairs
	mu           sync.Mutex
	bytesWritten uint64
	errors       uint64
	lastWrite    time.Time
}

// NewDestination wraps backend. It starts enabled.
func NewDestination(name, kind, uri string, backend Backend) *Destination {
	d := &Destination{name: name, kind: kind, uri: uri, backend: backend}
	d.enabled.Store(true)
	return d
}

// Name implements types.Destination.
func (d *Destination) Name() string { return d.name }

// IsEnabled implements types.Destination.
func (d *Destination) IsEnabled() bool { return d.enabled.Load() }

// SetEnabled turns delivery to the destination on or off.
func (d *Destination) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

// Backend returns the wrapped backend.
func (d *Destination) Backend() Backend { return d.backend }

// Send implements types.Destination.
func (d *Destination) Send(entry *types.LogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		n   int
		err error
	)
	if ew, ok := d.backend.(entryWriter); ok {
		n, err = ew.WriteEntry(entry)
	} else {
		if len(entry.Payload) == 0 {
			return ErrNoPayload
		}
		n, err = d.backend.Write(entry.Payload)
	}
	if err == nil {
		err = d.backend.Flush()
	}
	if err != nil {
		d.errors++
		return errors.Wrapf(err, "%s destination %s", d.kind, d.name)
	}

	d.bytesWritten += uint64(n)
	d.lastWrite = time.Now()
	return nil
}

// Close flushes and closes the backend.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.Close()
}

// Info returns information about the destination.
func (d *Destination) Info() DestinationInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DestinationInfo{
		Name:         d.name,
		Type:         d.kind,
		URI:          d.uri,
		Enabled:      d.enabled.Load(),
		BytesWritten: d.bytesWritten,
		Errors:       d.errors,
		LastWrite:    d.lastWrite,
	}
}
