package formatters

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ErrUnknownFormatter is returned when no serializer is registered under a name.
var ErrUnknownFormatter = errors.New("formatter not registered")

// Factory creates serializer instances by name
type Factory struct {
	mu         sync.RWMutex
	formatters map[string]FormatterConstructor
}

// FormatterConstructor is a function that creates a serializer
type FormatterConstructor func(opts FormatOptions) (types.Serializer, error)

// NewFactory creates a new formatter factory with default formatters registered
func NewFactory() *Factory {
	f := &Factory{
		formatters: make(map[string]FormatterConstructor),
	}

	_ = f.Register("json", func(opts FormatOptions) (types.Serializer, error) {
		return &JSONFormatter{Options: opts}, nil
	})
	_ = f.Register("text", func(opts FormatOptions) (types.Serializer, error) {
		return &TextFormatter{Options: opts}, nil
	})

	return f
}

// Register registers a new formatter constructor
func (f *Factory) Register(name string, constructor FormatterConstructor) error {
	if name == "" {
		return errors.New("formatter name cannot be empty")
	}
	if constructor == nil {
		return errors.New("formatter constructor cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatters[name] = constructor
	return nil
}

// Create creates a serializer by name. An empty name selects "json".
func (f *Factory) Create(name string, opts FormatOptions) (types.Serializer, error) {
	if name == "" {
		name = "json"
	}

	f.mu.RLock()
	constructor, exists := f.formatters[name]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.Wrapf(ErrUnknownFormatter, "%q", name)
	}
	return constructor(opts)
}

// ListFormatters returns the names of all registered formatters, sorted
func (f *Factory) ListFormatters() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.formatters))
	for name := range f.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultFactory is the global formatter factory
var DefaultFactory = NewFactory()

// Register registers a formatter with the default factory
func Register(name string, constructor FormatterConstructor) error {
	return DefaultFactory.Register(name, constructor)
}

// Create creates a serializer using the default factory
func Create(name string, opts FormatOptions) (types.Serializer, error) {
	return DefaultFactory.Create(name, opts)
}
