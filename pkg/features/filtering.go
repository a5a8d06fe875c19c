package features

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ErrNilFilter is returned when a nil filter is passed
var ErrNilFilter = errors.New("filter cannot be nil")

// ErrFilterNotFound is returned when a named filter does not exist.
var ErrFilterNotFound = errors.New("filter not found")

// FilterFunc is a function that determines if a log entry should be logged.
// Returns true if the entry should be logged, false to filter it out.
type FilterFunc func(entry *types.LogEntry) bool

// FilterConfig holds the static exclusion lists checked before sampling.
type FilterConfig struct {
	MinimumLevel       string   `mapstructure:"minimum_level" json:"minimum_level,omitempty"`
	ExcludedCategories []string `mapstructure:"excluded_categories" json:"excluded_categories,omitempty"`
	ExcludedOperations []string `mapstructure:"excluded_operations" json:"excluded_operations,omitempty"`
	ExcludedUsers      []string `mapstructure:"excluded_users" json:"excluded_users,omitempty"`
	// Regular expressions; an entry whose message matches any of them is dropped.
	ExcludedMessagePatterns []string `mapstructure:"excluded_message_patterns" json:"excluded_message_patterns,omitempty"`
}

// NamedFilter represents a filter with metadata
type NamedFilter struct {
	Name     string
	Filter   FilterFunc
	Priority int  // Higher priority filters are evaluated first
	Enabled  bool // Can be toggled without removing
}

// FilterMetrics tracks filtering statistics
type FilterMetrics struct {
	TotalChecks   uint64
	TotalPassed   uint64
	TotalFiltered uint64
	FilterHits    map[string]uint64
}

// FilterManager handles admission filtering. Built-in exclusion lists are
// evaluated first, then custom filters in priority order. An entry passes
// only if every enabled filter returns true.
type FilterManager struct {
	mu       sync.RWMutex
	minLevel types.Level
	hasMin   bool
	excluded map[string]map[string]struct{} // list name -> lowercased values
	patterns []*regexp.Regexp
	filters  []NamedFilter

	totalChecks   atomic.Uint64
	totalPassed   atomic.Uint64
	totalFiltered atomic.Uint64
	hitsMu        sync.Mutex
	hits          map[string]uint64
}

// NewFilterManager creates a filter manager from its static configuration.
func NewFilterManager(cfg FilterConfig) (*FilterManager, error) {
	f := &FilterManager{
		excluded: map[string]map[string]struct{}{
			"category":  toSet(cfg.ExcludedCategories),
			"operation": toSet(cfg.ExcludedOperations),
			"user":      toSet(cfg.ExcludedUsers),
		},
		hits: make(map[string]uint64),
	}

	if cfg.MinimumLevel != "" {
		level, err := types.ParseLevel(cfg.MinimumLevel)
		if err != nil {
			return nil, errors.Wrap(err, "minimum level")
		}
		f.minLevel = level
		f.hasMin = true
	}

	for _, pattern := range cfg.ExcludedMessagePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compile pattern %s", pattern)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

// ShouldLog implements types.Filter.
func (f *FilterManager) ShouldLog(entry *types.LogEntry) bool {
	f.totalChecks.Add(1)

	if name, ok := f.rejectedBy(entry); ok {
		f.trackHit(name)
		f.totalFiltered.Add(1)
		return false
	}
	f.totalPassed.Add(1)
	return true
}

func (f *FilterManager) rejectedBy(entry *types.LogEntry) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.hasMin && entry.Level < f.minLevel {
		return "minimum_level", true
	}
	if matches(f.excluded["category"], entry.Category) {
		return "excluded_category", true
	}
	if matches(f.excluded["operation"], entry.Operation) {
		return "excluded_operation", true
	}
	if matches(f.excluded["user"], entry.UserID) {
		return "excluded_user", true
	}
	for _, re := range f.patterns {
		if re.MatchString(entry.Message) {
			return "excluded_message", true
		}
	}
	for _, filter := range f.filters {
		if filter.Enabled && !filter.Filter(entry) {
			return filter.Name, true
		}
	}
	return "", false
}

func matches(set map[string]struct{}, value string) bool {
	if value == "" || len(set) == 0 {
		return false
	}
	_, ok := set[strings.ToLower(value)]
	return ok
}

// AddFilter adds an unnamed custom filter with priority 0.
func (f *FilterManager) AddFilter(filter FilterFunc) error {
	return f.AddNamedFilter("", filter, 0)
}

// AddNamedFilter adds a named filter, keeping the list ordered by priority.
func (f *FilterManager) AddNamedFilter(name string, filter FilterFunc, priority int) error {
	if filter == nil {
		return ErrNilFilter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("filter_%d", len(f.filters))
	}

	namedFilter := NamedFilter{
		Name:     name,
		Filter:   filter,
		Priority: priority,
		Enabled:  true,
	}

	for i, existing := range f.filters {
		if priority > existing.Priority {
			f.filters = append(f.filters[:i], append([]NamedFilter{namedFilter}, f.filters[i:]...)...)
			return nil
		}
	}
	f.filters = append(f.filters, namedFilter)
	return nil
}

// RemoveFilter removes a filter by name
func (f *FilterManager) RemoveFilter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, filter := range f.filters {
		if filter.Name == name {
			f.filters = append(f.filters[:i], f.filters[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(ErrFilterNotFound, name)
}

// SetFilterEnabled toggles a filter without removing it.
func (f *FilterManager) SetFilterEnabled(name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, filter := range f.filters {
		if filter.Name == name {
			f.filters[i].Enabled = enabled
			return nil
		}
	}
	return errors.Wrap(ErrFilterNotFound, name)
}

func (f *FilterManager) trackHit(name string) {
	f.hitsMu.Lock()
	f.hits[name]++
	f.hitsMu.Unlock()
}

// GetMetrics returns filtering statistics.
func (f *FilterManager) GetMetrics() FilterMetrics {
	f.hitsMu.Lock()
	hits := make(map[string]uint64, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	f.hitsMu.Unlock()

	return FilterMetrics{
		TotalChecks:   f.totalChecks.Load(),
		TotalPassed:   f.totalPassed.Load(),
		TotalFiltered: f.totalFiltered.Load(),
		FilterHits:    hits,
	}
}
