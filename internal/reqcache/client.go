// Package reqcache is an HTTP client for read-heavy callers. Identical GETs
// that overlap are collapsed and a completed read is reused for a short window.
package reqcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"pos-service/internal/util"

	"go.uber.org/zap"
)

// DefaultFreshness is how long a completed read is served from memory
const DefaultFreshness = 5 * time.Second

// Outcome says how a Get was answered
type Outcome int

const (
	// Fetched means the response came from the network
	Fetched Outcome = iota
	// Cached means a recent response was reused
	Cached
	// Suppressed means an identical read was already in flight; out is untouched
	Suppressed
)

func (o Outcome) String() string {
	switch o {
	case Fetched:
		return "fetched"
	case Cached:
		return "cached"
	case Suppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

type entry struct {
	body      []byte
	fetchedAt time.Time
}

// Client wraps net/http with read deduplication
type Client struct {
	baseURL   string
	http      *http.Client
	header    http.Header
	freshness time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	entries  map[string]entry
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header sent on every request
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithFreshness sets how long completed reads are reused
func WithFreshness(d time.Duration) Option {
	return func(c *Client) { c.freshness = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the API rooted at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 10 * time.Second},
		header:    make(http.Header),
		freshness: DefaultFreshness,
		now:       time.Now,
		logger:    util.GetLogger(),
		inFlight:  make(map[string]struct{}),
		entries:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key is the cache identity of a read: the endpoint plus its query with keys
// and values sorted
func Key(endpoint string, query url.Values) string {
	if len(query) == 0 {
		return endpoint
	}
	canonical := make(url.Values, len(query))
	for k, vs := range query {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		canonical[k] = sorted
	}
	return endpoint + "?" + canonical.Encode()
}

// Get reads endpoint and decodes the JSON body into out. A Suppressed
// outcome is not an error: the caller simply has no new data.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, out interface{}) (Outcome, error) {
	key := Key(endpoint, query)

	c.mu.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		c.logger.Debug("Read suppressed", zap.String("key", key))
		return Suppressed, nil
	}
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.freshness {
		c.mu.Unlock()
		return Cached, decode(e.body, out)
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	body, err := c.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return Fetched, err
	}

	c.mu.Lock()
	c.entries[key] = entry{body: body, fetchedAt: c.now()}
	c.mu.Unlock()

	return Fetched, decode(body, out)
}

// Post sends payload as JSON. Writes are never cached and never invalidate reads.
func (c *Client) Post(ctx context.Context, endpoint string, payload, out interface{}) error {
	return c.write(ctx, http.MethodPost, endpoint, payload, out)
}

// Patch sends payload as JSON
func (c *Client) Patch(ctx context.Context, endpoint string, payload, out interface{}) error {
	return c.write(ctx, http.MethodPatch, endpoint, payload, out)
}

func (c *Client) write(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range c.header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", method, target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Endpoint:   target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

func decode(body []byte, out interface{}) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
