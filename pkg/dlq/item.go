// Package dlq holds log entries that could not be delivered and retries them
// in the background.
package dlq

import (
	"time"

	"github.com/google/uuid"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// DeadLetterItem is an entry that failed delivery to one destination.
type DeadLetterItem struct {
	ID          string          `json:"id"`
	Entry       *types.LogEntry `json:"entry"`
	Payload     []byte          `json:"payload,omitempty"`
	Destination string          `json:"destination"`
	// CircuitBreakerOpen, RetryExhausted, or the category of the error.
	Reason        string     `json:"reason"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// NewDeadLetterItem wraps entry with a fresh ID. The entry's serialized
// payload is kept alongside it so persistent stores can restore it.
func NewDeadLetterItem(entry *types.LogEntry, destination, reason string, cause error, now time.Time) *DeadLetterItem {
	item := &DeadLetterItem{
		ID:          uuid.NewString(),
		Entry:       entry,
		Destination: destination,
		Reason:      reason,
		EnqueuedAt:  now,
	}
	if entry != nil {
		item.Payload = entry.Payload
	}
	if cause != nil {
		item.ErrorDetail = cause.Error()
	}
	return item
}

// Clone returns a copy that can be mutated without affecting the original.
// The entry itself is shared; it is never modified after admission.
func (i *DeadLetterItem) Clone() *DeadLetterItem {
	c := *i
	if i.LastAttemptAt != nil {
		t := *i.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// DeliverableEntry returns the entry with its serialized payload attached.
func (i *DeadLetterItem) DeliverableEntry() *types.LogEntry {
	if i.Entry == nil {
		return nil
	}
	if i.Entry.Payload != nil || i.Payload == nil {
		return i.Entry
	}
	e := *i.Entry
	e.Payload = i.Payload
	return &e
}

// Age returns how long the item has been queued.
func (i *DeadLetterItem) Age(now time.Time) time.Duration {
	return now.Sub(i.EnqueuedAt)
}
