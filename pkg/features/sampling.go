package features

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// DefaultWindowSize is the length of a rate limiting window.
const DefaultWindowSize = time.Minute

// SamplingConfig configures per-level sampling and per-minute quotas.
type SamplingConfig struct {
	// Probability in [0,1] that an entry of the level is kept. Missing levels keep everything.
	SamplingRates map[string]float64 `mapstructure:"sampling_rates" json:"sampling_rates,omitempty"`
	// Maximum admitted entries per level per window. Missing levels are unlimited.
	MaxLogsPerMinute map[string]int `mapstructure:"max_logs_per_minute" json:"max_logs_per_minute,omitempty"`
	// Maximum admitted entries per category per window.
	CategoryMaxLogsPerMinute map[string]int `mapstructure:"category_max_logs_per_minute" json:"category_max_logs_per_minute,omitempty"`
	// Categories and levels that bypass sampling and quotas entirely.
	NeverSampleCategories []string `mapstructure:"never_sample_categories" json:"never_sample_categories,omitempty"`
	NeverSampleLevels     []string `mapstructure:"never_sample_levels" json:"never_sample_levels,omitempty"`
}

// DefaultSamplingConfig keeps everything and never samples security relevant entries.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		SamplingRates:         map[string]float64{},
		MaxLogsPerMinute:      map[string]int{},
		NeverSampleCategories: []string{"Security", "Audit", "Error", "Critical"},
		NeverSampleLevels:     []string{"Error", "Critical"},
	}
}

// SamplingMetrics tracks admission decisions.
type SamplingMetrics struct {
	TotalEntries uint64
	Admitted     uint64
	SampledOut   uint64
	RateLimited  uint64
	Bypassed     uint64
}

// SamplingManager applies probabilistic sampling and fixed-window rate limits.
// It is safe for concurrent use: window counters are lock free, rates are
// guarded by an RWMutex so they can be changed at runtime.
type SamplingManager struct {
	mu              sync.RWMutex
	levelRates      map[types.Level]float64
	levelLimits     map[types.Level]int64
	categoryLimits  map[string]int64
	neverCategories map[string]struct{}
	neverLevels     map[types.Level]struct{}

	windows    sync.Map // map[string]*rateWindow
	windowSize time.Duration
	now        func() time.Time
	random     func() float64

	total       atomic.Uint64
	admitted    atomic.Uint64
	sampledOut  atomic.Uint64
	rateLimited atomic.Uint64
	bypassed    atomic.Uint64
}

// SamplingOption customises a SamplingManager.
type SamplingOption func(*SamplingManager)

// WithClock replaces the time source used for window rollover.
func WithClock(now func() time.Time) SamplingOption {
	return func(s *SamplingManager) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces the uniform [0,1) source used for sampling decisions.
func WithRandom(random func() float64) SamplingOption {
	return func(s *SamplingManager) {
		if random != nil {
			s.random = random
		}
	}
}

// WithWindowSize overrides the one minute rate limiting window.
func WithWindowSize(size time.Duration) SamplingOption {
	return func(s *SamplingManager) {
		if size > 0 {
			s.windowSize = size
		}
	}
}

// NewSamplingManager builds a sampler from config. Level names are validated.
func NewSamplingManager(cfg SamplingConfig, opts ...SamplingOption) (*SamplingManager, error) {
	s := &SamplingManager{
		levelRates:      make(map[types.Level]float64),
		levelLimits:     make(map[types.Level]int64),
		categoryLimits:  make(map[string]int64),
		neverCategories: make(map[string]struct{}),
		neverLevels:     make(map[types.Level]struct{}),
		windowSize:      DefaultWindowSize,
		now:             time.Now,
		random:          secureRandomFloat64,
	}

	for name, rate := range cfg.SamplingRates {
		level, err := types.ParseLevel(name)
		if err != nil {
			return nil, errors.Wrap(err, "sampling rates")
		}
		s.levelRates[level] = clampRate(rate)
	}
	for name, limit := range cfg.MaxLogsPerMinute {
		level, err := types.ParseLevel(name)
		if err != nil {
			return nil, errors.Wrap(err, "max logs per minute")
		}
		s.levelLimits[level] = int64(limit)
	}
	for category, limit := range cfg.CategoryMaxLogsPerMinute {
		s.categoryLimits[strings.ToLower(category)] = int64(limit)
	}
	for _, category := range cfg.NeverSampleCategories {
		s.neverCategories[strings.ToLower(category)] = struct{}{}
	}
	for _, name := range cfg.NeverSampleLevels {
		level, err := types.ParseLevel(name)
		if err != nil {
			return nil, errors.Wrap(err, "never sample levels")
		}
		s.neverLevels[level] = struct{}{}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ShouldAdmit reports whether entry passes sampling and rate limiting.
// Never-sample categories and levels are always admitted. Otherwise the
// probabilistic gate runs first; only sampled-in entries consume quota.
// A rejected entry's quota increment is not undone.
func (s *SamplingManager) ShouldAdmit(entry *types.LogEntry) bool {
	s.total.Add(1)

	if s.isExempt(entry) {
		s.bypassed.Add(1)
		s.admitted.Add(1)
		return true
	}

	s.mu.RLock()
	rate, hasRate := s.levelRates[entry.Level]
	levelLimit, hasLevelLimit := s.levelLimits[entry.Level]
	categoryLimit, hasCategoryLimit := s.categoryLimits[strings.ToLower(entry.Category)]
	s.mu.RUnlock()

	if hasRate && rate < 1.0 && s.random() >= rate {
		s.sampledOut.Add(1)
		return false
	}

	now := s.now()
	if hasLevelLimit && s.window("level:"+entry.Level.String()).increment(now, s.windowSize) > levelLimit {
		s.rateLimited.Add(1)
		return false
	}
	if hasCategoryLimit && s.window("category:"+strings.ToLower(entry.Category)).increment(now, s.windowSize) > categoryLimit {
		s.rateLimited.Add(1)
		return false
	}

	s.admitted.Add(1)
	return true
}

func (s *SamplingManager) isExempt(entry *types.LogEntry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.neverLevels[entry.Level]; ok {
		return true
	}
	if entry.Category == "" {
		return false
	}
	_, ok := s.neverCategories[strings.ToLower(entry.Category)]
	return ok
}

// SetLevelRate changes the sampling rate of one level at runtime.
func (s *SamplingManager) SetLevelRate(level types.Level, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levelRates[level] = clampRate(rate)
}

// SetLevelLimit changes the per-window quota of one level at runtime.
// A negative limit removes the quota.
func (s *SamplingManager) SetLevelLimit(level types.Level, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < 0 {
		delete(s.levelLimits, level)
		return
	}
	s.levelLimits[level] = int64(limit)
}

// WindowCount returns the admitted count of the current window for a level.
func (s *SamplingManager) WindowCount(level types.Level) int64 {
	v, ok := s.windows.Load("level:" + level.String())
	if !ok {
		return 0
	}
	cur := v.(*rateWindow).current.Load()
	if cur == nil || s.now().Sub(cur.start) >= s.windowSize {
		return 0
	}
	return cur.count.Load()
}

// Metrics returns a snapshot of admission counters.
func (s *SamplingManager) Metrics() SamplingMetrics {
	return SamplingMetrics{
		TotalEntries: s.total.Load(),
		Admitted:     s.admitted.Load(),
		SampledOut:   s.sampledOut.Load(),
		RateLimited:  s.rateLimited.Load(),
		Bypassed:     s.bypassed.Load(),
	}
}

func (s *SamplingManager) window(key string) *rateWindow {
	if v, ok := s.windows.Load(key); ok {
		return v.(*rateWindow)
	}
	v, _ := s.windows.LoadOrStore(key, &rateWindow{})
	return v.(*rateWindow)
}

// windowCounter is one fixed window. A rollover swaps in a fresh counter, so
// increments racing with the swap land in the window they observed.
type windowCounter struct {
	start time.Time
	count atomic.Int64
}

type rateWindow struct {
	current atomic.Pointer[windowCounter]
}

func (w *rateWindow) increment(now time.Time, size time.Duration) int64 {
	for {
		cur := w.current.Load()
		if cur != nil && now.Sub(cur.start) < size {
			return cur.count.Add(1)
		}
		next := &windowCounter{start: now}
		next.count.Store(1)
		if w.current.CompareAndSwap(cur, next) {
			return 1
		}
	}
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// secureRandomFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandomFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// keep the entry rather than drop it on entropy failure
		return 0
	}
	// 53 bits of precision, same as math/rand
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}
