package features

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// DefaultReplacement is substituted for redacted values.
const DefaultReplacement = "[REDACTED]"

// sensitiveKeywords contains property names whose values are always redacted
var sensitiveKeywords = []string{
	"auth_token", "password", "passwd", "secret", "private_key", "token",
	"access_token", "refresh_token", "api_key", "apikey", "authorization",
	"client_secret", "session_token", "bearer", "jwt",
	"ssn", "social_security", "credit_card", "creditcard", "card_number", "cvv", "cvc",
}

// builtInDataPatterns matches sensitive values regardless of where they appear
var builtInDataPatterns = []*regexp.Regexp{
	// US Social Security Numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),

	// Credit Card Numbers (major brands)
	regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),      // Visa
	regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), // MasterCard
	regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`),             // American Express

	// Email Addresses
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),

	// Common API Key Formats
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),      // AWS Access Key
	regexp.MustCompile(`\bghp_[a-zA-Z0-9]{36,40}\b`), // GitHub Personal Access Token
}

var keyValuePattern = regexp.MustCompile(`(?i)\b(password|api_key|token|secret)(\s*[=:]\s*)\S+`)
var bearerPattern = regexp.MustCompile(`(?i)(Bearer[ \t]+)[^ \t\n\r]+`)

// RedactionConfig configures the Redactor.
type RedactionConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Apply built-in value patterns (SSN, credit cards, emails, API keys).
	BuiltInPatterns bool `mapstructure:"built_in_patterns" json:"built_in_patterns"`
	// Extra regular expressions applied to messages and string properties.
	Patterns []string `mapstructure:"patterns" json:"patterns,omitempty"`
	// Extra property names to redact, matched case-insensitively as substrings.
	Keys        []string `mapstructure:"keys" json:"keys,omitempty"`
	Replacement string   `mapstructure:"replacement" json:"replacement,omitempty"`
}

// DefaultRedactionConfig enables keyword and built-in pattern redaction.
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled:         true,
		BuiltInPatterns: true,
		Replacement:     DefaultReplacement,
	}
}

// RedactionMetrics tracks redaction statistics
type RedactionMetrics struct {
	TotalProcessed uint64
	TotalRedacted  uint64
}

// Redactor masks sensitive data in entries. It implements types.Sanitizer and
// never modifies the entry it is given.
type Redactor struct {
	patterns []*regexp.Regexp
	keys     []string
	replace  string
	enabled  bool

	mu    sync.RWMutex
	cache map[string]string

	processed atomic.Uint64
	redacted  atomic.Uint64
}

// NewRedactor builds a Redactor, compiling the configured patterns.
func NewRedactor(cfg RedactionConfig) (*Redactor, error) {
	r := &Redactor{
		keys:    append([]string(nil), sensitiveKeywords...),
		replace: cfg.Replacement,
		enabled: cfg.Enabled,
		cache:   make(map[string]string),
	}
	if r.replace == "" {
		r.replace = DefaultReplacement
	}
	if cfg.BuiltInPatterns {
		r.patterns = append(r.patterns, builtInDataPatterns...)
	}
	for _, pattern := range cfg.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compile redaction pattern %s", pattern)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, key := range cfg.Keys {
		r.keys = append(r.keys, strings.ToLower(key))
	}
	return r, nil
}

// Sanitize returns a redacted copy of entry.
func (r *Redactor) Sanitize(entry *types.LogEntry) *types.LogEntry {
	if entry == nil || !r.enabled {
		return entry
	}
	r.processed.Add(1)

	out := entry.Clone()
	changed := false

	if msg := r.Redact(out.Message); msg != out.Message {
		out.Message = msg
		changed = true
	}
	if out.Error != nil {
		if msg := r.Redact(out.Error.Message); msg != out.Error.Message {
			out.Error.Message = msg
			changed = true
		}
	}
	for k, v := range out.Properties {
		redacted, ok := r.redactValue(k, v)
		if ok {
			out.Properties[k] = redacted
			changed = true
		}
	}

	if changed {
		r.redacted.Add(1)
	}
	return out
}

// redactValue returns the redacted form of a property and whether it changed.
// Nested maps and slices are copied, never mutated in place.
func (r *Redactor) redactValue(key string, v interface{}) (interface{}, bool) {
	if key != "" && r.IsSensitiveKey(key) {
		return r.replace, true
	}

	switch val := v.(type) {
	case string:
		redacted := r.Redact(val)
		return redacted, redacted != val
	case map[string]interface{}:
		var copied map[string]interface{}
		for k, inner := range val {
			if redacted, ok := r.redactValue(k, inner); ok {
				if copied == nil {
					copied = make(map[string]interface{}, len(val))
					for ck, cv := range val {
						copied[ck] = cv
					}
				}
				copied[k] = redacted
			}
		}
		if copied == nil {
			return v, false
		}
		return copied, true
	case []interface{}:
		var copied []interface{}
		for i, inner := range val {
			if redacted, ok := r.redactValue("", inner); ok {
				if copied == nil {
					copied = append([]interface{}(nil), val...)
				}
				copied[i] = redacted
			}
		}
		if copied == nil {
			return v, false
		}
		return copied, true
	}
	return v, false
}

// IsSensitiveKey checks if a key is considered sensitive.
// It performs case-insensitive matching against known sensitive keywords.
func (r *Redactor) IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, sensitive := range r.keys {
		if strings.Contains(k, sensitive) {
			return true
		}
	}
	return false
}

// Redact applies the configured patterns to a string.
func (r *Redactor) Redact(input string) string {
	if input == "" {
		return input
	}

	r.mu.RLock()
	if cached, exists := r.cache[input]; exists {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	result := keyValuePattern.ReplaceAllString(input, "${1}${2}"+r.replace)
	result = bearerPattern.ReplaceAllString(result, "${1}"+r.replace)
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, r.replace)
	}

	// Limit cache size
	r.mu.Lock()
	if len(r.cache) < 1000 {
		r.cache[input] = result
	}
	r.mu.Unlock()

	return result
}

// GetMetrics returns redaction statistics.
func (r *Redactor) GetMetrics() RedactionMetrics {
	return RedactionMetrics{
		TotalProcessed: r.processed.Load(),
		TotalRedacted:  r.redacted.Load(),
	}
}
