package formatters

import (
	"os"
	"time"
)

// FormatOptions controls the output format
type FormatOptions struct {
	TimestampFormat string         `mapstructure:"timestamp_format" json:"timestamp_format,omitempty"`
	TimeZone        *time.Location `mapstructure:"-" json:"-"`
	LevelFormat     LevelFormat    `mapstructure:"level_format" json:"level_format,omitempty"`
	FlattenFields   bool           `mapstructure:"flatten_fields" json:"flatten_fields,omitempty"` // Whether to put properties at the root of JSON output
	IncludeHost     bool           `mapstructure:"include_host" json:"include_host,omitempty"`     // Whether to include hostname field
	Newline         bool           `mapstructure:"newline" json:"newline,omitempty"`               // Terminate each payload with '\n'
}

// LevelFormat defines level format options
type LevelFormat int

const (
	// LevelFormatName formats levels as their names (Information, Warning, etc)
	LevelFormatName LevelFormat = iota
	// LevelFormatNameUpper formats levels as uppercase names
	LevelFormatNameUpper
	// LevelFormatNameLower formats levels as lowercase names
	LevelFormatNameLower
	// LevelFormatSymbol formats levels as single-character symbols
	LevelFormatSymbol
)

// DefaultFormatOptions returns default formatting options
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		TimestampFormat: time.RFC3339Nano,
		TimeZone:        time.UTC,
		LevelFormat:     LevelFormatName,
		Newline:         true,
	}
}

func (o FormatOptions) timestamp(t time.Time) string {
	loc := o.TimeZone
	if loc == nil {
		loc = time.UTC
	}
	layout := o.TimestampFormat
	if layout == "" {
		layout = time.RFC3339Nano
	}
	return t.In(loc).Format(layout)
}

var hostname string

func init() {
	// Cache values that don't change
	hostname, _ = os.Hostname()
}
