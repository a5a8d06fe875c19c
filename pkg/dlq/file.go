package dlq

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// DefaultCompactSlack is how many superseded journal records a FileStore
// tolerates beyond twice its live item count before rewriting the file.
const DefaultCompactSlack = 1024

const (
	opPut = "put"
	opDel = "del"
)

// journalRecord is one line of the queue file. A put of a known ID replaces
// the item in place; a put of a new ID appends it, evicting the oldest items
// beyond the store's capacity exactly as Push does.
type journalRecord struct {
	Op   string          `json:"op"`
	ID   string          `json:"id,omitempty"`
	Item *DeadLetterItem `json:"item,omitempty"`
}

// FileStore keeps the queue in memory and journals every change to a
// JSON-lines file. A change is written to the file before it is applied in
// memory, so a failed write leaves the queue as it was. The journal is
// compacted into a snapshot once superseded records pile up. A sidecar lock
// file prevents two processes from sharing the same queue file.
type FileStore struct {
	mem  *MemoryStore
	path string
	lock *flock.Flock

	mu           sync.Mutex // orders journal appends with memory changes
	file         *os.File
	size         int64
	records      int
	compactSlack int
	closed       bool
}

// OpenFileStore loads path (if it exists) and takes an exclusive lock on it.
func OpenFileStore(path string, maxSize int) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dlq directory %s", dir)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock dlq file %s", path)
	}
	if !locked {
		return nil, errors.Errorf("dlq file %s is locked by another process", path)
	}

	s := &FileStore{
		mem:          NewMemoryStore(maxSize),
		path:         path,
		lock:         lock,
		compactSlack: DefaultCompactSlack,
	}
	if err := s.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	// Start from a clean snapshot; this also drops a torn final record.
	if err := s.compact(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read dlq file %s", s.path)
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var torn error
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		if torn != nil {
			return torn
		}
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Only the last record may be incomplete, from a crash mid-write.
			torn = errors.Wrapf(err, "decode dlq file %s line %d", s.path, line)
			continue
		}
		if err := s.apply(ctx, rec); err != nil {
			return errors.Wrapf(err, "replay dlq file %s line %d", s.path, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan dlq file %s", s.path)
	}
	return nil
}

// apply replays one journal record into memory.
func (s *FileStore) apply(ctx context.Context, rec journalRecord) error {
	switch rec.Op {
	case opPut:
		if rec.Item == nil {
			return errors.New("put without item")
		}
		if s.mem.contains(rec.Item.ID) {
			return s.mem.Update(ctx, rec.Item)
		}
		_, err := s.mem.Push(ctx, rec.Item)
		return err
	case opDel:
		return s.mem.Remove(ctx, rec.ID)
	}
	return errors.Errorf("unknown journal op %q", rec.Op)
}

// appendRecord writes rec at the end of the journal. A partial write is
// truncated away so the file stays decodable.
func (s *FileStore) appendRecord(rec journalRecord) error {
	if s.closed {
		return ErrQueueClosed
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode dlq record")
	}
	line = append(line, '\n')

	n, err := s.file.Write(line)
	if err != nil {
		if n > 0 {
			_ = s.file.Truncate(s.size)
		}
		return errors.Wrapf(err, "append dlq file %s", s.path)
	}
	s.size += int64(n)
	s.records++
	return nil
}

// maybeCompact rewrites the journal when it holds too many superseded
// records. A failed compaction is retried on the next change; the journal
// is still complete.
func (s *FileStore) maybeCompact(ctx context.Context) {
	live, _ := s.mem.Len(ctx)
	if s.records <= 2*live+s.compactSlack {
		return
	}
	_ = s.compact()
}

// compact writes the current content to a temporary file, renames it over
// the queue file, and reopens the journal for appending.
func (s *FileStore) compact() error {
	items, _ := s.mem.List(context.Background())
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(journalRecord{Op: opPut, Item: item}); err != nil {
			return errors.Wrapf(err, "encode dlq item %s", item.ID)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write dlq file %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "replace dlq file %s", s.path)
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open dlq file %s", s.path)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
	s.size = int64(buf.Len())
	s.records = len(items)
	return nil
}

// Push implements Store. Nothing is queued when the journal write fails.
func (s *FileStore) Push(ctx context.Context, item *DeadLetterItem) (int, error) {
	if item == nil {
		return 0, errors.New("nil dead letter item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(journalRecord{Op: opPut, Item: item}); err != nil {
		return 0, err
	}
	evicted, err := s.mem.Push(ctx, item)
	if err != nil {
		return 0, err
	}
	s.maybeCompact(ctx)
	return evicted, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]*DeadLetterItem, error) {
	return s.mem.List(ctx)
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, item *DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mem.contains(item.ID) {
		return errors.Wrap(ErrItemNotFound, item.ID)
	}
	if err := s.appendRecord(journalRecord{Op: opPut, Item: item}); err != nil {
		return err
	}
	if err := s.mem.Update(ctx, item); err != nil {
		return err
	}
	s.maybeCompact(ctx)
	return nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mem.contains(id) {
		return nil
	}
	if err := s.appendRecord(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	if err := s.mem.Remove(ctx, id); err != nil {
		return err
	}
	s.maybeCompact(ctx)
	return nil
}

// Len implements Store.
func (s *FileStore) Len(ctx context.Context) (int, error) {
	return s.mem.Len(ctx)
}

// Close closes the journal and releases the file lock. The queue file stays
// on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var closeErr error
	if s.file != nil {
		if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			closeErr = errors.Wrapf(err, "close dlq file %s", s.path)
		}
	}
	if err := s.lock.Unlock(); err != nil {
		return errors.Wrapf(err, "unlock dlq file %s", s.path)
	}
	_ = os.Remove(s.lock.Path())
	return closeErr
}

// Path returns the queue file location.
func (s *FileStore) Path() string { return s.path }
