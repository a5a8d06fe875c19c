package types

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInformation
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = [...]string{
	LevelTrace:       "Trace",
	LevelDebug:       "Debug",
	LevelInformation: "Information",
	LevelWarning:     "Warning",
	LevelError:       "Error",
	LevelCritical:    "Critical",
}

// ErrUnknownLevel is returned by ParseLevel for unrecognised names.
var ErrUnknownLevel = errors.New("unknown log level")

// String returns the canonical level name used in configuration maps.
func (l Level) String() string {
	if l < LevelTrace || l > LevelCritical {
		return "Unknown"
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name to a Level. Matching is case-insensitive and
// accepts the short aliases most logging libraries use.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "verbose":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "information", "info":
		return LevelInformation, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error", "err":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	}
	return LevelInformation, errors.Wrapf(ErrUnknownLevel, "%q", name)
}

// ErrorInfo carries the exception payload attached to an entry.
type ErrorInfo struct {
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// LogEntry is a single event travelling through the delivery pipeline.
// Once admitted it is treated as immutable; Payload holds the serialized form
// shared by every destination.
type LogEntry struct {
	Level      Level                  `json:"level"`
	Category   string                 `json:"category,omitempty"`
	Message    string                 `json:"message"`
	Operation  string                 `json:"operation,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Error      *ErrorInfo             `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    []byte                 `json:"-"`
}

// NewLogEntry creates an entry stamped with the current time.
func NewLogEntry(level Level, category, message string) *LogEntry {
	return &LogEntry{
		Level:     level,
		Category:  category,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithProperty sets a property and returns the entry for chaining.
func (e *LogEntry) WithProperty(key string, value interface{}) *LogEntry {
	if e.Properties == nil {
		e.Properties = make(map[string]interface{})
	}
	e.Properties[key] = value
	return e
}

// WithError attaches err as the entry's exception payload.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	e.Error = &ErrorInfo{
		Type:    ErrorCategory(err),
		Message: err.Error(),
	}
	if st, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
		e.Error.StackTrace = strings.TrimSpace(fmtStack(st.StackTrace()))
	}
	return e
}

// Clone returns a copy whose property map and error payload can be modified
// without affecting the original.
func (e *LogEntry) Clone() *LogEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Properties != nil {
		c.Properties = make(map[string]interface{}, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		c.Error = &errCopy
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Destination is a delivery target. Identity is the name: all per-destination
// resilience state is keyed by it.
type Destination interface {
	Name() string
	IsEnabled() bool
	Send(entry *LogEntry) error
}

// BrokerProducer publishes the shared serialized payload to a message broker.
type BrokerProducer interface {
	IsEnabled() bool
	Send(payload []byte) error
}

// Filter decides whether an entry enters the pipeline at all.
type Filter interface {
	ShouldLog(entry *LogEntry) bool
}

// Sanitizer returns a cleaned copy of an entry.
type Sanitizer interface {
	Sanitize(entry *LogEntry) *LogEntry
}

// Serializer produces the payload shared across destinations.
type Serializer interface {
	Serialize(entry *LogEntry) ([]byte, error)
}

// Admitter is the sampling / rate limiting gate.
type Admitter interface {
	ShouldAdmit(entry *LogEntry) bool
}
