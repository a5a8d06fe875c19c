package formatters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// TextFormatter formats entries as human-readable text
type TextFormatter struct {
	Options FormatOptions
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter() *TextFormatter {
	opts := DefaultFormatOptions()
	opts.LevelFormat = LevelFormatNameUpper
	return &TextFormatter{
		Options: opts,
	}
}

// Serialize implements types.Serializer.
func (f *TextFormatter) Serialize(entry *types.LogEntry) ([]byte, error) {
	if entry == nil {
		return nil, errors.New("nil log entry")
	}

	var result strings.Builder

	result.WriteString("[")
	result.WriteString(f.Options.timestamp(entry.Timestamp))
	result.WriteString("] [")
	result.WriteString(formatLevel(entry.Level, f.Options.LevelFormat))
	result.WriteString("] ")

	if entry.Category != "" {
		result.WriteString(entry.Category)
		result.WriteString(": ")
	}
	result.WriteString(entry.Message)

	if fields := f.FormatFields(entry.Properties); fields != "" {
		result.WriteString(" ")
		result.WriteString(fields)
	}

	if entry.Error != nil {
		result.WriteString(" error=")
		result.WriteString(fmt.Sprintf("%q", entry.Error.Message))
		if entry.Error.Type != "" {
			result.WriteString(" error_type=")
			result.WriteString(entry.Error.Type)
		}
	}

	if f.Options.Newline {
		result.WriteString("\n")
	}
	return []byte(result.String()), nil
}

// FormatFields formats properties as key=value pairs in key order
func (f *TextFormatter) FormatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// formatLevel formats a log level according to the level format
func formatLevel(level types.Level, format LevelFormat) string {
	name := level.String()

	switch format {
	case LevelFormatNameUpper:
		return strings.ToUpper(name)
	case LevelFormatNameLower:
		return strings.ToLower(name)
	case LevelFormatSymbol:
		return name[:1]
	}
	return name
}
