package backends

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

func entryWithPayload(level types.Level, payload string) *types.LogEntry {
	entry := types.NewLogEntry(level, "Orders", "order placed")
	entry.Payload = []byte(payload)
	return entry
}

func TestFileDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	dest, err := New("app-file", "file://"+path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer dest.Close()

	for i := 0; i < 3; i++ {
		if err := dest.Send(entryWithPayload(types.LevelInformation, `{"n":1}`+"\n")); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("Expected 3 lines, got %d: %q", got, data)
	}

	info := dest.Info()
	if info.Type != TypeFile || info.BytesWritten != uint64(len(data)) || info.LastWrite.IsZero() {
		t.Errorf("Unexpected info %+v", info)
	}
	stats := dest.Backend().GetStats()
	if stats.WriteCount != 3 || stats.Path != path {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestFileDestinationConcurrentSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	dest, err := New("app-file", "file://"+path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer dest.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = dest.Send(entryWithPayload(types.LevelInformation, "line\n"))
			}
		}()
	}
	wg.Wait()

	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "line\n"); got != 200 {
		t.Errorf("Expected 200 intact lines, got %d", got)
	}
}

func TestSendWithoutPayload(t *testing.T) {
	var buf bytes.Buffer
	dest := NewDestination("console", TypeConsole, "console://", NewWriterBackend("buffer", &buf))

	err := dest.Send(types.NewLogEntry(types.LevelInformation, "", "no payload"))
	if !errors.Is(err, ErrNoPayload) {
		t.Errorf("Expected ErrNoPayload, got %v", err)
	}
	if types.ErrorCategory(err) != "MissingPayload" {
		t.Errorf("Expected MissingPayload category, got %q", types.ErrorCategory(err))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestConsoleDestination(t *testing.T) {
	var buf bytes.Buffer
	dest := NewDestination("console", TypeConsole, "console://", NewWriterBackend("buffer", &buf))

	if err := dest.Send(entryWithPayload(types.LevelWarning, "hello\n")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Errorf("Expected payload written verbatim, got %q", buf.String())
	}

	dest.SetEnabled(false)
	if dest.IsEnabled() {
		t.Error("Expected destination disabled")
	}

	broken := NewDestination("broken", TypeConsole, "console://", NewWriterBackend("broken", failingWriter{}))
	if err := broken.Send(entryWithPayload(types.LevelWarning, "x")); err == nil {
		t.Error("Expected write error")
	}
	if broken.Info().Errors != 1 {
		t.Errorf("Expected one error recorded, got %d", broken.Info().Errors)
	}
}
