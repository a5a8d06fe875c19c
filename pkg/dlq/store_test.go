package dlq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

func newItem(i int) *DeadLetterItem {
	entry := types.NewLogEntry(types.LevelError, "Payments", fmt.Sprintf("entry %d", i))
	entry.Payload = []byte(fmt.Sprintf(`{"n":%d}`, i))
	return NewDeadLetterItem(entry, "http", "RetryExhausted", errors.New("boom"), time.Unix(int64(1000+i), 0).UTC())
}

// storeFactories returns one constructor per backend so every contract test
// runs against all of them.
func storeFactories(t *testing.T) map[string]func(maxSize int) Store {
	return map[string]func(int) Store{
		"memory": func(maxSize int) Store { return NewMemoryStore(maxSize) },
		"file": func(maxSize int) Store {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "dlq.jsonl"), maxSize)
			if err != nil {
				t.Fatalf("OpenFileStore failed: %v", err)
			}
			return s
		},
		"redis": func(maxSize int) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, maxSize)
		},
	}
}

func TestStoreFIFOEviction(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(3)
			defer s.Close()

			var pushed []*DeadLetterItem
			totalEvicted := 0
			for i := 0; i < 4; i++ {
				item := newItem(i)
				pushed = append(pushed, item)
				evicted, err := s.Push(ctx, item)
				if err != nil {
					t.Fatalf("Push failed: %v", err)
				}
				totalEvicted += evicted
			}

			if totalEvicted != 1 {
				t.Errorf("Expected 1 eviction, got %d", totalEvicted)
			}
			n, _ := s.Len(ctx)
			if n != 3 {
				t.Fatalf("Expected length 3, got %d", n)
			}

			items, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			for i, item := range items {
				if item.ID != pushed[i+1].ID {
					t.Errorf("Position %d: expected %s, got %s", i, pushed[i+1].ID, item.ID)
				}
			}
		})
	}
}

func TestStoreUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(10)
			defer s.Close()

			item := newItem(1)
			if _, err := s.Push(ctx, item); err != nil {
				t.Fatalf("Push failed: %v", err)
			}

			item.RetryCount = 2
			item.Reason = "CircuitBreakerOpen"
			if err := s.Update(ctx, item); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			items, _ := s.List(ctx)
			if len(items) != 1 || items[0].RetryCount != 2 || items[0].Reason != "CircuitBreakerOpen" {
				t.Fatalf("Update not applied: %+v", items)
			}
			if string(items[0].Payload) != `{"n":1}` {
				t.Errorf("Expected payload kept, got %q", items[0].Payload)
			}

			if err := s.Remove(ctx, item.ID); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if err := s.Remove(ctx, item.ID); err != nil {
				t.Errorf("Removing a missing item should not fail: %v", err)
			}
			if err := s.Update(ctx, item); !errors.Is(err, ErrItemNotFound) {
				t.Errorf("Expected ErrItemNotFound, got %v", err)
			}
			if n, _ := s.Len(ctx); n != 0 {
				t.Errorf("Expected empty store, got %d", n)
			}
		})
	}
}

func TestMemoryStoreListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	item := newItem(1)
	_, _ = s.Push(ctx, item)

	items, _ := s.List(ctx)
	items[0].RetryCount = 99

	again, _ := s.List(ctx)
	if again[0].RetryCount != 0 {
		t.Error("Mutating a listed item changed the store")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dlq.jsonl")

	s, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	first, second := newItem(1), newItem(2)
	_, _ = s.Push(ctx, first)
	_, _ = s.Push(ctx, second)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	items, _ := reopened.List(ctx)
	if len(items) != 2 || items[0].ID != first.ID || items[1].ID != second.ID {
		t.Fatalf("Unexpected items after reopen: %+v", items)
	}
	entry := items[0].DeliverableEntry()
	if string(entry.Payload) != `{"n":1}` {
		t.Errorf("Expected payload restored, got %q", entry.Payload)
	}
	if entry.Message != "entry 1" {
		t.Errorf("Expected message restored, got %q", entry.Message)
	}
}

func TestFileStoreIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	s, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	defer s.Close()

	if _, err := OpenFileStore(path, 10); err == nil {
		t.Error("Expected second open of a locked queue file to fail")
	}
}

func TestFileStoreFailedWriteLeavesQueueUnchanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	s, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	kept := newItem(1)
	if _, err := s.Push(ctx, kept); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// Writes to the journal now fail.
	_ = s.file.Close()
	if _, err := s.Push(ctx, newItem(2)); err == nil {
		t.Fatal("Expected Push to report the failed write")
	}
	changed := kept.Clone()
	changed.RetryCount = 5
	if err := s.Update(ctx, changed); err == nil {
		t.Fatal("Expected Update to report the failed write")
	}

	items, _ := s.List(ctx)
	if len(items) != 1 || items[0].ID != kept.ID || items[0].RetryCount != 0 {
		t.Errorf("Queue changed despite failed writes: %+v", items)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()
	items, _ = reopened.List(ctx)
	if len(items) != 1 || items[0].ID != kept.ID {
		t.Errorf("Unexpected items after reopen: %+v", items)
	}
}

func TestFileStoreCompactsJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	s, err := OpenFileStore(path, 3)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	s.compactSlack = 4

	var last []*DeadLetterItem
	for i := 0; i < 50; i++ {
		item := newItem(i)
		if _, err := s.Push(ctx, item); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
		item.RetryCount = 1
		if err := s.Update(ctx, item); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		last = append(last, item)
	}
	if err := s.Remove(ctx, last[48].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines > 2*3+4+1 {
		t.Errorf("Journal not compacted: %d lines", lines)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenFileStore(path, 3)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()
	items, _ := reopened.List(ctx)
	if len(items) != 2 || items[0].ID != last[47].ID || items[1].ID != last[49].ID {
		t.Fatalf("Unexpected items after reopen: %+v", items)
	}
	if items[0].RetryCount != 1 {
		t.Errorf("Expected updates replayed, got retry count %d", items[0].RetryCount)
	}
}

func TestFileStoreIgnoresTornFinalRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	s, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	first := newItem(1)
	_, _ = s.Push(ctx, first)
	_ = s.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	_, _ = f.WriteString(`{"op":"put","item":{"id":"trunc`)
	_ = f.Close()

	reopened, err := OpenFileStore(path, 10)
	if err != nil {
		t.Fatalf("Reopen with torn record failed: %v", err)
	}
	defer reopened.Close()
	items, _ := reopened.List(ctx)
	if len(items) != 1 || items[0].ID != first.ID {
		t.Errorf("Unexpected items %+v", items)
	}
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, 10, WithKeyPrefix("relay-a:"))
	if _, err := s.Push(ctx, newItem(1)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !mr.Exists("relay-a:order") || !mr.Exists("relay-a:items") {
		t.Errorf("Expected prefixed keys, have %v", mr.Keys())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory default", Config{}, false},
		{"file without path", Config{Backend: BackendFile}, true},
		{"redis without addr", Config{Backend: BackendRedis}, true},
		{"unknown backend", Config{Backend: "sqlite"}, true},
		{"redis with addr", Config{Backend: BackendRedis, Redis: RedisConfig{Addr: "localhost:6379"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := DefaultConfig()
	if cfg.MaxSize != 10000 || cfg.RetryInterval != 5*time.Minute || cfg.MaxRetriesPerItem != 10 ||
		cfg.ItemRetentionPeriod != 7*24*time.Hour || !cfg.AutoRetryEnabled() {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestRedisStoreUpdateNeverResurrectsEvicted(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, 5)

	first := newItem(0)
	if _, err := s.Push(ctx, first); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := s.Push(ctx, newItem(i)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	first.RetryCount = 3
	if err := s.Update(ctx, first); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound for an evicted item, got %v", err)
	}

	// Concurrent pushes evicting items that are being updated.
	var wg sync.WaitGroup
	items := make(chan *DeadLetterItem, 200)
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				item := newItem(100 + w*50 + i)
				if _, err := s.Push(ctx, item); err == nil {
					items <- item
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				select {
				case item := <-items:
					item.RetryCount++
					_ = s.Update(ctx, item)
				default:
				}
			}
		}()
	}
	wg.Wait()

	hashLen, _ := client.HLen(ctx, s.itemsKey()).Result()
	listLen, _ := client.LLen(ctx, s.orderKey()).Result()
	if hashLen != listLen || listLen != 5 {
		t.Errorf("Items hash (%d) and order list (%d) disagree", hashLen, listLen)
	}
}
