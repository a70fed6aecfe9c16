// Package rtdb is a store.Store backed by the REST interface of a remote
// realtime tree database (https://<name>.firebasedatabase.app).
//
// Every request targets "<url>/<path>.json". Multi-path updates use PATCH,
// shallow listings use GET with shallow=true. Failures are classified once,
// here, into store error kinds.
package rtdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4096
)

// Options configures a Client.
type Options struct {
	// URL is the database root, e.g. https://example-default-rtdb.asia-southeast1.firebasedatabase.app
	URL string
	// TokenSource supplies OAuth2 access tokens. Optional when Secret is set
	// or the target is an unauthenticated emulator.
	TokenSource oauth2.TokenSource
	// Secret is a legacy database secret or ID token sent as ?auth=.
	Secret string
	// Timeout bounds each request. Defaults to 60s.
	Timeout time.Duration
	// RequestsPerSecond paces requests. Zero disables pacing.
	RequestsPerSecond float64
	// WriteSizeLimit is passed as writeSizeLimit on writes and deletes
	// (tiny, small, medium, large, unlimited). Empty leaves the server default.
	WriteSizeLimit string
	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one database over REST.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  oauth2.TokenSource
	secret  string
	limiter *rate.Limiter
	sizeLim string
	logger  *slog.Logger
}

var _ store.Store = (*Client)(nil)

// New validates opts and returns a ready client. No request is made.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("invalid database URL %q: scheme must be http or https", opts.URL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid database URL %q: missing host", opts.URL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		base:    base,
		http:    httpClient,
		tokens:  opts.TokenSource,
		secret:  opts.Secret,
		sizeLim: opts.WriteSizeLimit,
		logger:  opts.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// MultiUpdate implements store.Store.
func (c *Client) MultiUpdate(ctx context.Context, base string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	body := make(map[string]any, len(updates))
	for rel, v := range updates {
		body[paths.Clean(rel)] = v
	}
	_, err := c.do(ctx, "update", http.MethodPatch, base, body, c.writeQuery())
	return err
}

// ShallowList implements store.Store.
func (c *Client) ShallowList(ctx context.Context, p string) (store.Listing, error) {
	q := url.Values{}
	q.Set("shallow", "true")
	raw, err := c.do(ctx, "shallow", http.MethodGet, p, nil, q)
	if err != nil {
		return store.Listing{}, err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return store.Listing{}, store.NewError(store.KindPermanent, "shallow", p, fmt.Errorf("decode response: %w", err))
	}
	switch t := v.(type) {
	case nil:
		return store.Listing{}, nil
	case map[string]any:
		return store.Listing{Exists: true, Keys: store.SortedKeys(t)}, nil
	default:
		return store.Listing{Exists: true, Leaf: true}, nil
	}
}

// ReadSubtree implements store.Store.
func (c *Client) ReadSubtree(ctx context.Context, p string) (any, error) {
	raw, err := c.do(ctx, "get", http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, store.NewError(store.KindPermanent, "get", p, fmt.Errorf("decode response: %w", err))
	}
	return v, nil
}

// DeleteSubtree implements store.Store.
func (c *Client) DeleteSubtree(ctx context.Context, p string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, p, nil, c.writeQuery())
	if store.KindOf(err) == store.KindNotFound {
		return nil
	}
	return err
}

// WriteSubtree implements store.Store.
func (c *Client) WriteSubtree(ctx context.Context, p string, value any) error {
	_, err := c.do(ctx, "set", http.MethodPut, p, value, c.writeQuery())
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) writeQuery() url.Values {
	q := url.Values{}
	q.Set("print", "silent")
	if c.sizeLim != "" {
		q.Set("writeSizeLimit", c.sizeLim)
	}
	return q
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.base
	segs := paths.SplitPath(p)
	escaped := make([]string, len(segs))
	for i, s := range segs {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.Join(segs, "/") + ".json"
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/") + ".json"
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, p string, body any, q url.Values) ([]byte, error) {
	p = paths.Clean(p)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, store.NewError(store.KindPermanent, op, p, err)
		}
	}

	if q == nil {
		q = url.Values{}
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, store.NewError(store.KindUnauthorized, op, p, fmt.Errorf("obtain access token: %w", err))
		}
		q.Set("access_token", tok.AccessToken)
	} else if c.secret != "" {
		q.Set("auth", c.secret)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, store.NewError(store.KindPermanent, op, p, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, q), reader)
	if err != nil {
		return nil, store.NewError(store.KindPermanent, op, p, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, op, p, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, store.NewError(store.KindTransient, op, p, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug("store request",
		"op", op,
		"path", p,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(raw) == 0 {
			raw = []byte("null")
		}
		return raw, nil
	}
	return nil, classifyResponse(op, p, resp.StatusCode, raw)
}
