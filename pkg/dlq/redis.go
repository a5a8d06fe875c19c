package dlq

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "omnirelay:dlq:"

// RedisStore keeps the queue in Redis so it survives restarts and can be
// shared by several relays. Order is held in a LIST of IDs, the items in a
// HASH keyed by ID.
type RedisStore struct {
	client     redis.Cmdable
	maxSize    int
	prefix     string
	ownsClient bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the keys used by the store. Empty keeps the default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a store on an existing client. The caller keeps
// ownership of the client.
func NewRedisStore(client redis.Cmdable, maxSize int, opts ...RedisOption) *RedisStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := &RedisStore{client: client, maxSize: maxSize, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pushScript stores an item and evicts the oldest beyond the capacity in one
// step, so the order LIST and the items HASH never disagree.
// KEYS: items, order. ARGV: id, data, max size. Returns the evicted count.
var pushScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
local max = tonumber(ARGV[3])
local evicted = 0
while n > max do
  local id = redis.call('LPOP', KEYS[2])
  if not id then break end
  redis.call('HDEL', KEYS[1], id)
  evicted = evicted + 1
  n = n - 1
end
return evicted
`)

// updateScript replaces an item only while it is still queued.
// KEYS: items. ARGV: id, data. Returns 1 when updated.
var updateScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (s *RedisStore) orderKey() string { return s.prefix + "order" }
func (s *RedisStore) itemsKey() string { return s.prefix + "items" }

// Push implements Store.
func (s *RedisStore) Push(ctx context.Context, item *DeadLetterItem) (int, error) {
	if item == nil {
		return 0, errors.New("nil dead letter item")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return 0, errors.Wrapf(err, "encode dlq item %s", item.ID)
	}

	keys := []string{s.itemsKey(), s.orderKey()}
	evicted, err := pushScript.Run(ctx, s.client, keys, item.ID, data, s.maxSize).Int()
	if err != nil {
		return 0, errors.Wrap(err, "dlq/redis: push")
	}
	return evicted, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*DeadLetterItem, error) {
	ids, err := s.client.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dlq/redis: list")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, s.itemsKey(), ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dlq/redis: list")
	}

	items := make([]*DeadLetterItem, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Removed between LRANGE and HMGET.
			continue
		}
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, errors.Wrapf(err, "decode dlq item %s", ids[i])
		}
		items = append(items, &item)
	}
	return items, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, item *DeadLetterItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "encode dlq item %s", item.ID)
	}
	updated, err := updateScript.Run(ctx, s.client, []string{s.itemsKey()}, item.ID, data).Int()
	if err != nil {
		return errors.Wrap(err, "dlq/redis: update")
	}
	if updated == 0 {
		return errors.Wrap(ErrItemNotFound, item.ID)
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, s.orderKey(), 1, id)
	pipe.HDel(ctx, s.itemsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "dlq/redis: remove")
	}
	return nil
}

// Len implements Store.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.orderKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "dlq/redis: len")
	}
	return int(n), nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
