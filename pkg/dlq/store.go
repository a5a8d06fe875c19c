package dlq

import (
	"context"

	"github.com/pkg/errors"
)

// ErrItemNotFound is returned when an item is no longer in the store.
var ErrItemNotFound = errors.New("dead letter item not found")

// ErrQueueClosed is returned when enqueueing to a closed queue.
var ErrQueueClosed = errors.New("dead letter queue closed")

// Store defines the persistence contract for the dead letter queue.
// Implementations are bounded FIFOs: Push evicts the oldest items when the
// store is full and never blocks waiting for room.
type Store interface {
	// Push appends an item and returns how many items were evicted to make room.
	Push(ctx context.Context, item *DeadLetterItem) (int, error)

	// List returns copies of all items, oldest first.
	List(ctx context.Context) ([]*DeadLetterItem, error)

	// Update replaces a stored item with the same ID. Returns ErrItemNotFound
	// if the item was evicted or removed meanwhile.
	Update(ctx context.Context, item *DeadLetterItem) error

	// Remove deletes an item. Removing a missing item is not an error.
	Remove(ctx context.Context, id string) error

	// Len returns the number of stored items.
	Len(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}
