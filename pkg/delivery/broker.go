package delivery

import (
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ErrNoPayload is returned when a broker is asked to publish an entry that
// was never serialized.
var ErrNoPayload = errors.New("entry has no serialized payload")

// brokerDestination lets a BrokerProducer go through the same breaker,
// retry policy, and dead letter queue as any other destination.
type brokerDestination struct {
	name     string
	producer types.BrokerProducer
}

// NewBrokerDestination adapts producer into a Destination named name.
func NewBrokerDestination(name string, producer types.BrokerProducer) types.Destination {
	return &brokerDestination{name: name, producer: producer}
}

func (b *brokerDestination) Name() string    { return b.name }
func (b *brokerDestination) IsEnabled() bool { return b.producer.IsEnabled() }

func (b *brokerDestination) Send(entry *types.LogEntry) error {
	if len(entry.Payload) == 0 {
		return ErrNoPayload
	}
	return b.producer.Send(entry.Payload)
}
