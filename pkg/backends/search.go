package backends

import (
	"bytes"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// CategorySearchIndexError tags bulk requests the index partly rejected.
const CategorySearchIndexError = "SearchIndexError"

// SearchBackend indexes entries through the Elasticsearch / OpenSearch
// _bulk API. The index name may contain a Go time layout in braces, e.g.
// "logs-{2006.01.02}", expanded with the current UTC date.
type SearchBackend struct {
	baseURL string
	index   string
	poster  *httpPoster
	now     func() time.Time
}

// NewSearchBackend creates a backend for the cluster at baseURL.
func NewSearchBackend(baseURL, index string, opts HTTPOptions) *SearchBackend {
	if index == "" {
		index = "logs"
	}
	return &SearchBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		poster:  newHTTPPoster(opts),
		now:     time.Now,
	}
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// IndexName returns the index the next entry goes to.
func (s *SearchBackend) IndexName() string {
	open := strings.IndexByte(s.index, '{')
	closing := strings.LastIndexByte(s.index, '}')
	if open < 0 || closing < open {
		return s.index
	}
	layout := s.index[open+1 : closing]
	return s.index[:open] + s.now().UTC().Format(layout) + s.index[closing+1:]
}

// Write indexes one JSON document.
func (s *SearchBackend) Write(entry []byte) (int, error) {
	var action bulkAction
	action.Index.Index = s.IndexName()
	header, err := json.Marshal(action)
	if err != nil {
		return 0, errors.Wrap(err, "encode bulk action")
	}

	var body bytes.Buffer
	body.Write(header)
	body.WriteByte('\n')
	body.Write(bytes.TrimRight(entry, "\n"))
	body.WriteByte('\n')

	respBody, err := s.poster.post(s.baseURL+"/_bulk", "application/x-ndjson", body.Bytes())
	if err != nil {
		return 0, err
	}
	if err := bulkError(respBody); err != nil {
		return 0, err
	}
	return len(entry), nil
}

// bulkError reports item failures of a 200 bulk reply.
func bulkError(body []byte) error {
	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrap(err, "decode bulk response")
	}
	if !resp.Errors {
		return nil
	}

	for _, item := range resp.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			category := CategorySearchIndexError
			if result.Status >= 400 && result.Status < 500 && result.Status != 429 {
				category = CategoryHTTPClientError
			}
			return types.NewCategorizedError(category, "bulk item rejected (%d %s): %s",
				result.Status, result.Error.Type, result.Error.Reason)
		}
	}
	return types.NewCategorizedError(CategorySearchIndexError, "bulk request reported errors")
}

// Flush is a no-op; every write is a request.
func (s *SearchBackend) Flush() error { return nil }

// Sync is a no-op.
func (s *SearchBackend) Sync() error { return nil }

// Close releases idle connections.
func (s *SearchBackend) Close() error {
	s.poster.client.CloseIdleConnections()
	return nil
}

// GetStats returns backend statistics.
func (s *SearchBackend) GetStats() BackendStats {
	return s.poster.stats(s.baseURL + "/" + s.index)
}
