package formatters

import (
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// JSONFormatter serializes entries as single-line JSON. It is the default
// serializer producing the payload shared by every destination.
type JSONFormatter struct {
	Options       FormatOptions
	IncludeFields []string // Optional: specific properties to include
	ExcludeFields []string // Optional: properties to exclude
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		Options: DefaultFormatOptions(),
	}
}

// Serialize implements types.Serializer.
func (f *JSONFormatter) Serialize(entry *types.LogEntry) ([]byte, error) {
	if entry == nil {
		return nil, errors.New("nil log entry")
	}

	data, err := f.safeMarshal(f.document(entry))
	if err != nil {
		return nil, errors.Wrap(err, "marshal log entry")
	}

	// Add newline for line-delimited JSON
	if f.Options.Newline {
		data = append(data, '\n')
	}
	return data, nil
}

func (f *JSONFormatter) document(entry *types.LogEntry) map[string]interface{} {
	doc := make(map[string]interface{}, 8+len(entry.Properties))

	doc["timestamp"] = f.Options.timestamp(entry.Timestamp)
	doc["level"] = formatLevel(entry.Level, f.Options.LevelFormat)
	doc["message"] = entry.Message
	if entry.Category != "" {
		doc["category"] = entry.Category
	}
	if entry.Operation != "" {
		doc["operation"] = entry.Operation
	}
	if entry.UserID != "" {
		doc["user_id"] = entry.UserID
	}
	if f.Options.IncludeHost && hostname != "" {
		doc["host"] = hostname
	}
	if entry.Error != nil {
		doc["error"] = entry.Error
	}

	if len(entry.Properties) > 0 {
		if f.Options.FlattenFields {
			// Add properties directly to the root; built-in keys win
			for k, v := range entry.Properties {
				if _, taken := doc[k]; !taken && !f.shouldExcludeField(k) {
					doc[k] = v
				}
			}
		} else {
			props := make(map[string]interface{}, len(entry.Properties))
			for k, v := range entry.Properties {
				if !f.shouldExcludeField(k) {
					props[k] = v
				}
			}
			if len(props) > 0 {
				doc["properties"] = props
			}
		}
	}
	return doc
}

// shouldExcludeField checks if a property should be excluded from output
func (f *JSONFormatter) shouldExcludeField(field string) bool {
	for _, excluded := range f.ExcludeFields {
		if field == excluded {
			return true
		}
	}

	// If include list is specified, only include fields in the list
	if len(f.IncludeFields) > 0 {
		for _, included := range f.IncludeFields {
			if field == included {
				return false
			}
		}
		return true
	}

	return false
}

// WithIncludeFields sets properties to include in JSON output
func (f *JSONFormatter) WithIncludeFields(fields ...string) *JSONFormatter {
	f.IncludeFields = fields
	return f
}

// WithExcludeFields sets properties to exclude from JSON output
func (f *JSONFormatter) WithExcludeFields(fields ...string) *JSONFormatter {
	f.ExcludeFields = fields
	return f
}

// safeMarshal marshals data, falling back to a depth limited copy when the
// value graph cannot be encoded as is.
func (f *JSONFormatter) safeMarshal(data map[string]interface{}) ([]byte, error) {
	result, err := json.Marshal(data)
	if err == nil {
		return result, nil
	}
	return json.Marshal(makeSafe(data, 0, 5))
}

// makeSafe replaces values that cannot be encoded with their string form.
func makeSafe(data interface{}, depth, maxDepth int) interface{} {
	if depth >= maxDepth {
		return "[max depth reached]"
	}

	switch v := data.(type) {
	case map[string]interface{}:
		safe := make(map[string]interface{}, len(v))
		for k, val := range v {
			safe[k] = makeSafe(val, depth+1, maxDepth)
		}
		return safe
	case []interface{}:
		safe := make([]interface{}, len(v))
		for i, val := range v {
			safe[i] = makeSafe(val, depth+1, maxDepth)
		}
		return safe
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, *types.ErrorInfo:
		return v
	default:
		if _, err := json.Marshal(v); err != nil {
			return "[unserializable: " + err.Error() + "]"
		}
		return v
	}
}
