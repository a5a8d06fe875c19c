// Package config assembles the relay configuration: resilience policies,
// dead letter queue, admission and the destination list.
package config

import (
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/dlq"
	"github.com/wayneeseguin/omnirelay/pkg/features"
	"github.com/wayneeseguin/omnirelay/pkg/resilience"
	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "OMNIRELAY_CONFIG"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DestinationConfig declares a destination by URI. See backends.New.
type DestinationConfig struct {
	Name    string `mapstructure:"name" json:"name"`
	URI     string `mapstructure:"uri" json:"uri"`
	Enabled *bool  `mapstructure:"enabled" json:"enabled,omitempty"`
}

// IsEnabled reports whether the destination starts enabled. Nil means true.
func (d DestinationConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// BrokerConfig declares the message broker the payload is published to.
type BrokerConfig struct {
	Name    string `mapstructure:"name" json:"name,omitempty"`
	URL     string `mapstructure:"url" json:"url"`
	Subject string `mapstructure:"subject" json:"subject"`
}

// Config contains every setting of the relay.
type Config struct {
	// Diagnostic log level of the relay itself.
	LogLevel string `mapstructure:"log_level" json:"log_level,omitempty"`
	// Serializer producing the shared payload ("json" or "text").
	Format string `mapstructure:"format" json:"format,omitempty"`

	// Resilience, defaults plus per-destination overrides
	CircuitBreaker  resilience.BreakerConfig             `mapstructure:"circuit_breaker" json:"circuit_breaker"`
	CircuitBreakers map[string]resilience.BreakerConfig  `mapstructure:"circuit_breakers" json:"circuit_breakers,omitempty"`
	Retry           resilience.RetryConfig               `mapstructure:"retry" json:"retry"`
	Retries         map[string]resilience.RetryConfig    `mapstructure:"retries" json:"retries,omitempty"`
	Throttle        resilience.ThrottleConfig            `mapstructure:"throttle" json:"throttle"`
	Throttles       map[string]resilience.ThrottleConfig `mapstructure:"throttles" json:"throttles,omitempty"`

	DeadLetter dlq.Config `mapstructure:"dead_letter" json:"dead_letter"`

	// Admission
	Sampling  features.SamplingConfig  `mapstructure:"sampling" json:"sampling"`
	Filter    features.FilterConfig    `mapstructure:"filter" json:"filter"`
	Redaction features.RedactionConfig `mapstructure:"redaction" json:"redaction"`

	Destinations []DestinationConfig `mapstructure:"destinations" json:"destinations,omitempty"`
	Broker       *BrokerConfig       `mapstructure:"broker" json:"broker,omitempty"`
}

// DefaultConfig returns a Config with every default applied and no
// destinations.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		Format:         "json",
		CircuitBreaker: resilience.DefaultBreakerConfig(),
		Retry:          resilience.DefaultRetryConfig(),
		DeadLetter:     dlq.DefaultConfig(),
		Sampling:       features.DefaultSamplingConfig(),
		Redaction:      features.DefaultRedactionConfig(),
	}
}

// Decode builds a Config from a generic map, such as a parsed JSON or YAML
// document. Durations accept Go duration strings; strategies and levels
// accept their names.
func Decode(raw map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused: true,
		ZeroFields:  true,
		Result:      cfg,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by OMNIRELAY_CONFIG, or returns the
// defaults when it is unset.
func LoadFromEnv() (*Config, error) {
	if path, exists := os.LookupEnv(EnvConfigPath); exists && path != "" {
		return Load(path)
	}
	return DefaultConfig(), nil
}

// SetDefaults fills zero values. Per-destination overrides are merged with
// the defaults field by field when the policies are built.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	c.CircuitBreaker = c.CircuitBreaker.Merge(resilience.DefaultBreakerConfig())
	c.Retry = c.Retry.Merge(resilience.DefaultRetryConfig())
	c.DeadLetter.SetDefaults()
	if c.Sampling.NeverSampleCategories == nil && c.Sampling.NeverSampleLevels == nil {
		defaults := features.DefaultSamplingConfig()
		c.Sampling.NeverSampleCategories = defaults.NeverSampleCategories
		c.Sampling.NeverSampleLevels = defaults.NeverSampleLevels
	}
	if c.Broker != nil && c.Broker.Name == "" {
		c.Broker.Name = "broker"
	}
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if _, err := types.ParseLevel(c.LogLevel); err != nil {
		add(errors.Wrap(err, "log_level"))
	}
	add(c.Retry.Validate())
	for name, override := range c.Retries {
		add(errors.Wrapf(override.Merge(c.Retry).Validate(), "retries.%s", name))
	}
	add(c.DeadLetter.Validate())
	for level, rate := range c.Sampling.SamplingRates {
		if _, err := types.ParseLevel(level); err != nil {
			add(errors.Wrap(err, "sampling.sampling_rates"))
		}
		if rate < 0 || rate > 1 {
			add(errors.Errorf("sampling.sampling_rates.%s: %v outside [0,1]", level, rate))
		}
	}

	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.Name == "" {
			add(errors.Errorf("destinations[%d]: name is required", i))
		}
		if d.URI == "" {
			add(errors.Errorf("destinations[%d]: uri is required", i))
		}
		if seen[d.Name] {
			add(errors.Errorf("destinations[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
	}
	if c.Broker != nil {
		if c.Broker.URL == "" || c.Broker.Subject == "" {
			add(errors.New("broker: url and subject are required"))
		}
		if seen[c.Broker.Name] {
			add(errors.Errorf("broker: name %q collides with a destination", c.Broker.Name))
		}
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy of the override maps and lists so the copy can be
// modified independently.
func (c *Config) Clone() *Config {
	out := *c
	out.CircuitBreakers = cloneMap(c.CircuitBreakers)
	out.Retries = cloneMap(c.Retries)
	out.Throttles = cloneMap(c.Throttles)
	out.Destinations = append([]DestinationConfig(nil), c.Destinations...)
	if c.Broker != nil {
		b := *c.Broker
		out.Broker = &b
	}
	return &out
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
