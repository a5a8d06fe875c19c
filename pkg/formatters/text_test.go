package formatters

import (
	"testing"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

func TestTextFormatter_Serialize(t *testing.T) {
	f := NewTextFormatter()

	data, err := f.Serialize(testEntry())
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	expected := "[2024-01-01T12:00:00Z] [WARNING] Orders: slow checkout duration_ms=1250 region=eu\n"
	if string(data) != expected {
		t.Errorf("expected %q, got %q", expected, string(data))
	}
}

func TestTextFormatter_Error(t *testing.T) {
	entry := testEntry()
	entry.Properties = nil
	entry.Category = ""
	entry.Error = &types.ErrorInfo{Type: "Timeout", Message: "deadline exceeded"}

	f := NewTextFormatter()
	f.Options.Newline = false
	f.Options.LevelFormat = LevelFormatSymbol

	data, _ := f.Serialize(entry)
	expected := `[2024-01-01T12:00:00Z] [W] slow checkout error="deadline exceeded" error_type=Timeout`
	if string(data) != expected {
		t.Errorf("expected %q, got %q", expected, string(data))
	}
}

func TestTextFormatter_FormatFields(t *testing.T) {
	f := NewTextFormatter()

	tests := []struct {
		name     string
		fields   map[string]interface{}
		expected string
	}{
		{"empty", nil, ""},
		{"sorted", map[string]interface{}{"b": 2, "a": "x"}, "a=x b=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.FormatFields(tt.fields); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
