package backends

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// Error categories of HTTP failures. A 4xx is the request's fault and is not
// worth retrying; the default non-retryable list contains HttpClientError.
const (
	CategoryHTTPClientError = "HttpClientError"
	CategoryHTTPServerError = "HttpServerError"
	CategoryHTTPThrottled   = "HttpThrottled"
)

// DefaultHTTPTimeout bounds a single request.
const DefaultHTTPTimeout = 10 * time.Second

// maxResponseBody caps how much of a response is read.
const maxResponseBody = 1 << 20

// HTTPOptions configures HTTP based backends.
type HTTPOptions struct {
	Timeout     time.Duration
	Headers     map[string]string
	Compress    bool
	ContentType string
	// Client overrides the pooled client, mostly for tests.
	Client *http.Client
}

// httpPoster sends request bodies and classifies failures.
type httpPoster struct {
	client  *http.Client
	opts    HTTPOptions
	timeout time.Duration

	mu        sync.Mutex
	requests  uint64
	bytes     uint64
	errors    uint64
	lastError time.Time
	maxTime   time.Duration
	totalTime time.Duration
}

func newHTTPPoster(opts HTTPOptions) *httpPoster {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHTTPTimeout
	}
	client := opts.Client
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &httpPoster{client: client, opts: opts, timeout: opts.Timeout}
}

// post sends body to url and returns the response body of a 2xx reply.
func (p *httpPoster) post(url, contentType string, body []byte) ([]byte, error) {
	start := time.Now()
	respBody, err := p.do(url, contentType, body)

	elapsed := time.Since(start)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	p.totalTime += elapsed
	if elapsed > p.maxTime {
		p.maxTime = elapsed
	}
	if err != nil {
		p.errors++
		p.lastError = time.Now()
		return nil, err
	}
	p.bytes += uint64(len(body))
	return respBody, nil
}

func (p *httpPoster) do(url, contentType string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var reader io.Reader = bytes.NewReader(body)
	if p.opts.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, errors.Wrap(err, "gzip body")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip body")
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, types.WithCategory(errors.Wrap(err, "build request"), CategoryHTTPClientError)
	}
	if p.opts.ContentType != "" {
		contentType = p.opts.ContentType
	}
	req.Header.Set("Content-Type", contentType)
	if p.opts.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range p.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if err := statusError(resp.StatusCode, respBody); err != nil {
		return nil, errors.Wrapf(err, "post %s", url)
	}
	return respBody, nil
}

// statusError classifies a non-2xx status.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return types.NewCategorizedError(CategoryHTTPThrottled, "status %d: %s", status, snippet)
	case status >= 400 && status < 500:
		return types.NewCategorizedError(CategoryHTTPClientError, "status %d: %s", status, snippet)
	default:
		return types.NewCategorizedError(CategoryHTTPServerError, "status %d: %s", status, snippet)
	}
}

func (p *httpPoster) stats(path string) BackendStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BackendStats{
		Path:           path,
		WriteCount:     p.requests,
		BytesWritten:   p.bytes,
		ErrorCount:     p.errors,
		LastError:      p.lastError,
		TotalWriteTime: p.totalTime,
		MaxWriteTime:   p.maxTime,
	}
}

// HTTPBackend POSTs each entry's payload to an endpoint.
type HTTPBackend struct {
	url    string
	poster *httpPoster
}

// NewHTTPBackend creates a backend posting to url.
func NewHTTPBackend(url string, opts HTTPOptions) *HTTPBackend {
	return &HTTPBackend{url: url, poster: newHTTPPoster(opts)}
}

// Write posts one entry.
func (h *HTTPBackend) Write(entry []byte) (int, error) {
	if _, err := h.poster.post(h.url, "application/json", entry); err != nil {
		return 0, err
	}
	return len(entry), nil
}

// Flush is a no-op; every write is a request.
func (h *HTTPBackend) Flush() error { return nil }

// Sync is a no-op.
func (h *HTTPBackend) Sync() error { return nil }

// Close releases idle connections.
func (h *HTTPBackend) Close() error {
	h.poster.client.CloseIdleConnections()
	return nil
}

// GetStats returns backend statistics.
func (h *HTTPBackend) GetStats() BackendStats {
	return h.poster.stats(h.url)
}
