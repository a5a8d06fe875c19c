package backends

import (
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NATSConfig describes a NATS connection and the subject entries go to.
type NATSConfig struct {
	Servers       []string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Secure        bool
	Username      string
	Password      string
}

// ParseNATSURI parses nats://[user:pass@]host[:port]/subject with optional
// query parameters max_reconnect, reconnect_wait (seconds) and tls.
func ParseNATSURI(uri string) (NATSConfig, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return NATSConfig{}, errors.Wrap(err, "invalid URI")
	}
	if parsed.Scheme != "nats" {
		return NATSConfig{}, errors.Errorf("invalid scheme: %s (expected 'nats')", parsed.Scheme)
	}

	cfg := NATSConfig{
		Subject:       strings.TrimPrefix(parsed.Path, "/"),
		Name:          "omnirelay",
		MaxReconnects: nats.DefaultMaxReconnect,
		ReconnectWait: nats.DefaultReconnectWait,
	}
	if cfg.Subject == "" {
		return NATSConfig{}, errors.New("nats URI needs a subject path")
	}
	for _, host := range strings.Split(parsed.Host, ",") {
		if host != "" {
			cfg.Servers = append(cfg.Servers, "nats://"+host)
		}
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}

	query := parsed.Query()
	if v := query.Get("max_reconnect"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnects = n
		}
	}
	if v := query.Get("reconnect_wait"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectWait = time.Duration(n) * time.Second
		}
	}
	if v := query.Get("tls"); v != "" {
		cfg.Secure, _ = strconv.ParseBool(v)
	}
	if parsed.User != nil {
		cfg.Username = parsed.User.Username()
		cfg.Password, _ = parsed.User.Password()
	}
	return cfg, nil
}

// Options converts the config to connection options.
func (c NATSConfig) Options(logger *zap.Logger) []nats.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	}
	if c.Secure {
		opts = append(opts, nats.Secure())
	}
	if c.Username != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// NATSProducer publishes payloads to a NATS subject. It implements
// types.BrokerProducer.
type NATSProducer struct {
	conn     *nats.Conn
	subject  string
	enabled  atomic.Bool
	ownsConn bool

	published atomic.Uint64
}

// NewNATSProducer connects using cfg.
func NewNATSProducer(cfg NATSConfig, logger *zap.Logger) (*NATSProducer, error) {
	conn, err := nats.Connect(strings.Join(cfg.Servers, ","), cfg.Options(logger)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	p := NewNATSProducerFromConn(conn, cfg.Subject)
	p.ownsConn = true
	return p, nil
}

// NewNATSProducerFromConn publishes on an existing connection, which the
// caller keeps ownership of.
func NewNATSProducerFromConn(conn *nats.Conn, subject string) *NATSProducer {
	p := &NATSProducer{conn: conn, subject: subject}
	p.enabled.Store(true)
	return p
}

// IsEnabled reports whether the producer accepts payloads. A closed
// connection disables it.
func (p *NATSProducer) IsEnabled() bool {
	return p.enabled.Load() && p.conn != nil && !p.conn.IsClosed()
}

// SetEnabled turns publishing on or off.
func (p *NATSProducer) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Send publishes one payload.
func (p *NATSProducer) Send(payload []byte) error {
	if p.conn == nil {
		return nats.ErrInvalidConnection
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return errors.Wrapf(err, "publish to %s", p.subject)
	}
	p.published.Add(1)
	return nil
}

// Subject returns the subject payloads go to.
func (p *NATSProducer) Subject() string { return p.subject }

// Published returns the number of successful publishes.
func (p *NATSProducer) Published() uint64 { return p.published.Load() }

// Close drains the connection when the producer opened it.
func (p *NATSProducer) Close() error {
	if !p.ownsConn || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return errors.Wrap(err, "drain nats connection")
	}
	return nil
}
