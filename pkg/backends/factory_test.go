package backends

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestNewDestinationKinds(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		uri     string
		kind    string
		wantErr bool
	}{
		{"stdout", "console://stdout", TypeConsole, false},
		{"stderr", "console://stderr", TypeConsole, false},
		{"file", "file://" + filepath.Join(dir, "a.log"), TypeFile, false},
		{"http", "http://localhost:8080/logs", TypeHTTP, false},
		{"https", "https://logs.example.com/v1/ingest?gzip=1", TypeHTTP, false},
		{"search", "search+https://es.example.com:9200/app-logs", TypeSearch, false},
		{"http without host", "http:///logs", "", true},
		{"bad timeout", "http://localhost/logs?timeout=soon", "", true},
		{"file without path", "file://", "", true},
		{"unknown scheme", "kafka://localhost:9092/logs", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := New(tt.name, tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %s", tt.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%s) failed: %v", tt.uri, err)
			}
			defer dest.Close()

			info := dest.Info()
			if info.Type != tt.kind || info.Name != tt.name || info.URI != tt.uri || !info.Enabled {
				t.Errorf("Unexpected info %+v", info)
			}
		})
	}
}

func TestNewUnsupportedScheme(t *testing.T) {
	_, err := New("q", "amqp://localhost")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestHTTPTargetOptions(t *testing.T) {
	dest, err := New("search", "search+http://localhost:9200/logs?gzip=true&timeout=3s")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sb := dest.Backend().(*SearchBackend)
	if sb.baseURL != "http://localhost:9200" || sb.index != "logs" {
		t.Errorf("Unexpected target %s / %s", sb.baseURL, sb.index)
	}
	if !sb.poster.opts.Compress || sb.poster.timeout != 3*time.Second {
		t.Errorf("Unexpected options %+v", sb.poster.opts)
	}
}
