package formatters

import (
	"math"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

func testEntry() *types.LogEntry {
	return &types.LogEntry{
		Level:     types.LevelWarning,
		Category:  "Orders",
		Message:   "slow checkout",
		Operation: "POST /checkout",
		UserID:    "u-1",
		Properties: map[string]interface{}{
			"duration_ms": 1250,
			"region":      "eu",
		},
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestJSONFormatter_Serialize(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *JSONFormatter)
		check func(t *testing.T, m map[string]interface{})
	}{
		{
			name: "default document",
			check: func(t *testing.T, m map[string]interface{}) {
				if m["message"] != "slow checkout" {
					t.Errorf("expected message, got %v", m["message"])
				}
				if m["level"] != "Warning" {
					t.Errorf("expected level Warning, got %v", m["level"])
				}
				if m["timestamp"] != "2024-01-01T12:00:00Z" {
					t.Errorf("unexpected timestamp %v", m["timestamp"])
				}
				if m["operation"] != "POST /checkout" || m["user_id"] != "u-1" {
					t.Errorf("missing context fields: %v", m)
				}
				props, ok := m["properties"].(map[string]interface{})
				if !ok || props["region"] != "eu" {
					t.Errorf("expected nested properties, got %v", m["properties"])
				}
			},
		},
		{
			name: "flattened properties",
			setup: func(f *JSONFormatter) {
				f.Options.FlattenFields = true
			},
			check: func(t *testing.T, m map[string]interface{}) {
				if m["region"] != "eu" {
					t.Errorf("expected flattened region, got %v", m)
				}
				if _, ok := m["properties"]; ok {
					t.Error("did not expect nested properties")
				}
			},
		},
		{
			name: "exclude fields",
			setup: func(f *JSONFormatter) {
				f.WithExcludeFields("region")
			},
			check: func(t *testing.T, m map[string]interface{}) {
				props := m["properties"].(map[string]interface{})
				if _, ok := props["region"]; ok {
					t.Error("region should be excluded")
				}
			},
		},
		{
			name: "include fields",
			setup: func(f *JSONFormatter) {
				f.WithIncludeFields("region")
			},
			check: func(t *testing.T, m map[string]interface{}) {
				props := m["properties"].(map[string]interface{})
				if len(props) != 1 || props["region"] != "eu" {
					t.Errorf("expected only region, got %v", props)
				}
			},
		},
		{
			name: "lowercase level",
			setup: func(f *JSONFormatter) {
				f.Options.LevelFormat = LevelFormatNameLower
			},
			check: func(t *testing.T, m map[string]interface{}) {
				if m["level"] != "warning" {
					t.Errorf("expected lowercase level, got %v", m["level"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewJSONFormatter()
			if tt.setup != nil {
				tt.setup(f)
			}
			data, err := f.Serialize(testEntry())
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}
			if !strings.HasSuffix(string(data), "\n") {
				t.Error("expected trailing newline")
			}
			var m map[string]interface{}
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("failed to unmarshal JSON: %v", err)
			}
			tt.check(t, m)
		})
	}
}

func TestJSONFormatter_ErrorPayload(t *testing.T) {
	entry := testEntry()
	entry.Error = &types.ErrorInfo{Type: "net.OpError", Message: "connection refused"}

	data, err := NewJSONFormatter().Serialize(entry)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"net.OpError"`) {
		t.Errorf("expected error type in payload: %s", data)
	}
}

func TestJSONFormatter_UnserializableValue(t *testing.T) {
	entry := testEntry()
	entry.Properties["ratio"] = math.NaN()
	entry.Properties["ch"] = make(chan int)

	data, err := NewJSONFormatter().Serialize(entry)
	if err != nil {
		t.Fatalf("expected fallback encoding, got error %v", err)
	}
	if !strings.Contains(string(data), "unserializable") {
		t.Errorf("expected unserializable marker: %s", data)
	}
	if !strings.Contains(string(data), "slow checkout") {
		t.Errorf("expected message to survive: %s", data)
	}
}

func TestJSONFormatter_NilEntry(t *testing.T) {
	if _, err := NewJSONFormatter().Serialize(nil); err == nil {
		t.Error("expected error for nil entry")
	}
}
