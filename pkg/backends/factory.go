package backends

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Destination types reported by DestinationInfo.
const (
	TypeConsole = "console"
	TypeFile    = "file"
	TypeHTTP    = "http"
	TypeSearch  = "search"
	TypeSyslog  = "syslog"
)

// ErrUnsupportedScheme is returned for URIs no backend handles.
var ErrUnsupportedScheme = errors.New("unsupported destination scheme")

// Option customises destinations built by New.
type Option func(*HTTPOptions)

// WithHTTPOptions sets the options of HTTP and search destinations.
func WithHTTPOptions(opts HTTPOptions) Option {
	return func(o *HTTPOptions) { *o = opts }
}

// New creates a destination from a URI:
//
//	console://stdout, console://stderr
//	file:///var/log/app.log
//	http://host/path, https://host/path    (query: gzip, timeout)
//	search+http://host:9200/index          (query: gzip, timeout)
//	syslog://host:514?network=udp&facility=16&tag=app, syslog:// for the local socket
func New(name, uri string, opts ...Option) (*Destination, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse destination uri %q", uri)
	}

	var httpOpts HTTPOptions
	for _, opt := range opts {
		opt(&httpOpts)
	}

	backend, kind, err := newBackend(parsed, httpOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "destination %s", name)
	}
	return NewDestination(name, kind, uri, backend), nil
}

func newBackend(u *url.URL, httpOpts HTTPOptions) (Backend, string, error) {
	switch u.Scheme {
	case "console":
		return NewConsoleBackend(u.Host), TypeConsole, nil

	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/path
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, "", errors.New("file uri needs a path")
		}
		fb, err := NewFileBackend(path)
		return fb, TypeFile, err

	case "http", "https":
		target, err := httpTarget(u, &httpOpts)
		if err != nil {
			return nil, "", err
		}
		return NewHTTPBackend(target.String(), httpOpts), TypeHTTP, nil

	case "search+http", "search+https":
		target, err := httpTarget(u, &httpOpts)
		if err != nil {
			return nil, "", err
		}
		target.Scheme = strings.TrimPrefix(u.Scheme, "search+")
		index := strings.Trim(target.Path, "/")
		target.Path = ""
		return NewSearchBackend(target.String(), index, httpOpts), TypeSearch, nil

	case "syslog":
		q := u.Query()
		network := q.Get("network")
		if network == "" {
			network = "udp"
		}
		facility := FacilityLocal0
		if v := q.Get("facility"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 23 {
				return nil, "", errors.Errorf("invalid syslog facility %q", v)
			}
			facility = n
		}
		sb, err := NewSyslogBackend(network, u.Host, facility, q.Get("tag"))
		return sb, TypeSyslog, err
	}
	return nil, "", errors.Wrap(ErrUnsupportedScheme, u.Scheme)
}

// httpTarget strips the relay's own query parameters from u and applies them
// to opts.
func httpTarget(u *url.URL, opts *HTTPOptions) (*url.URL, error) {
	if u.Host == "" {
		return nil, errors.New("http uri needs a host")
	}
	target := *u
	q := target.Query()
	if v := q.Get("gzip"); v != "" {
		opts.Compress, _ = strconv.ParseBool(v)
		q.Del("gzip")
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid timeout %q", v)
		}
		opts.Timeout = d
		q.Del("timeout")
	}
	target.RawQuery = q.Encode()
	return &target, nil
}
