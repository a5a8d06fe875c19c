package backends

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// FacilityLocal0 is the default syslog facility.
const FacilityLocal0 = 16

// DefaultSyslogTimeout bounds dialing and each write.
const DefaultSyslogTimeout = 5 * time.Second

var localSyslogSockets = []string{"/dev/log", "/var/run/syslog", "/var/run/log"}

// SyslogBackend writes entries to a syslog daemon. The severity comes from
// the entry level, the facility is fixed per backend.
type SyslogBackend struct {
	network  string
	address  string
	facility int
	tag      string
	timeout  time.Duration

	mu         sync.Mutex // Protects conn and writer
	conn       net.Conn
	writer     *bufio.Writer
	writeCount uint64
	bytes      uint64
	errorCount uint64
	lastError  time.Time
}

// NewSyslogBackend connects to a syslog daemon. An empty address searches
// the usual local sockets.
func NewSyslogBackend(network, address string, facility int, tag string) (*SyslogBackend, error) {
	if address == "" {
		for _, path := range localSyslogSockets {
			if _, err := os.Stat(path); err == nil {
				network = "unix"
				address = path
				break
			}
		}
		if address == "" {
			return nil, errors.New("no local syslog socket found")
		}
	}
	if tag == "" {
		tag = "omnirelay"
	}

	sb := &SyslogBackend{
		network:  network,
		address:  address,
		facility: facility,
		tag:      tag,
		timeout:  DefaultSyslogTimeout,
	}
	if err := sb.connect(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *SyslogBackend) connect() error {
	conn, err := net.DialTimeout(sb.network, sb.address, sb.timeout)
	if err != nil {
		return errors.Wrap(err, "dial syslog")
	}
	sb.conn = conn
	sb.writer = bufio.NewWriter(conn)
	return nil
}

// Severity maps a level to its syslog severity.
func Severity(level types.Level) int {
	switch level {
	case types.LevelCritical:
		return 2
	case types.LevelError:
		return 3
	case types.LevelWarning:
		return 4
	case types.LevelInformation:
		return 6
	default:
		return 7
	}
}

// WriteEntry writes entry's payload with the priority derived from its level.
func (sb *SyslogBackend) WriteEntry(entry *types.LogEntry) (int, error) {
	if len(entry.Payload) == 0 {
		return 0, ErrNoPayload
	}
	return sb.write(sb.facility*8+Severity(entry.Level), entry.Payload)
}

// Write writes a payload at informational severity.
func (sb *SyslogBackend) Write(entry []byte) (int, error) {
	return sb.write(sb.facility*8+Severity(types.LevelInformation), entry)
}

func (sb *SyslogBackend) write(priority int, payload []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.conn == nil {
		// Reconnect after a previous write failure.
		if err := sb.connect(); err != nil {
			sb.recordError()
			return 0, err
		}
	}

	message := fmt.Sprintf("<%d>%s: %s\n", priority, sb.tag, strings.TrimSpace(string(payload)))
	_ = sb.conn.SetWriteDeadline(time.Now().Add(sb.timeout))
	n, err := sb.writer.WriteString(message)
	if err == nil {
		err = sb.writer.Flush()
	}
	if err != nil {
		sb.recordError()
		_ = sb.conn.Close()
		sb.conn, sb.writer = nil, nil
		return n, errors.Wrap(err, "write syslog")
	}

	sb.writeCount++
	sb.bytes += uint64(n)
	return n, nil
}

func (sb *SyslogBackend) recordError() {
	sb.errorCount++
	sb.lastError = time.Now()
}

// Flush flushes buffered data.
func (sb *SyslogBackend) Flush() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.writer != nil {
		return sb.writer.Flush()
	}
	return nil
}

// Sync flushes; syslog has no stronger durability.
func (sb *SyslogBackend) Sync() error {
	return sb.Flush()
}

// Close closes the syslog connection.
func (sb *SyslogBackend) Close() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var errs []error
	if sb.writer != nil {
		if err := sb.writer.Flush(); err != nil {
			errs = append(errs, errors.Wrap(err, "flush"))
		}
	}
	if sb.conn != nil {
		if err := sb.conn.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close conn"))
		}
		sb.conn, sb.writer = nil, nil
	}
	if len(errs) > 0 {
		return errors.Errorf("close errors: %v", errs)
	}
	return nil
}

// SetTag sets the syslog tag.
func (sb *SyslogBackend) SetTag(tag string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.tag = tag
}

// GetStats returns backend statistics.
func (sb *SyslogBackend) GetStats() BackendStats {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return BackendStats{
		Path:         fmt.Sprintf("syslog://%s/%s", sb.network, sb.address),
		WriteCount:   sb.writeCount,
		BytesWritten: sb.bytes,
		ErrorCount:   sb.errorCount,
		LastError:    sb.lastError,
	}
}
