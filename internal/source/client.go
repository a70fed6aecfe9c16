// Package source pulls ticket rows from a paginated OData collection.
//
// The first page of each role carries the total count; the remaining pages
// are fetched concurrently and their rows merged into one stream. Row order
// across pages is not preserved.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zyansaber/ticketsync/internal/bulk"
)

const (
	DefaultPageSize    = 1000
	DefaultParallelism = 4
	defaultTimeout     = 120 * time.Second
	maxErrorBody       = 2048
)

// Options configures a Client.
type Options struct {
	URL      string
	Username string
	Password string
	// RoleField is the collection property filtered by role.
	RoleField   string
	PageSize    int
	Parallelism int
	// Select limits the returned properties. Empty returns all.
	Select            []string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client reads one collection.
type Client struct {
	opts    Options
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ErrShortPage reports a page that returned fewer rows than its position
// in the reported total requires, typically a server-side page size cap.
// Offsets past it would skip rows.
var ErrShortPage = errors.New("short page")

// Page is one page of rows. Total is -1 when the service did not report it.
type Page struct {
	Rows  []map[string]any
	Total int
}

// Stats reports what Fetch did for one role.
type Stats struct {
	Role  string
	Total int
	Rows  int
	Pages int
}

// New validates opts. No request is made.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("source URL is required")
	}
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("invalid source URL %q: scheme must be http or https", opts.URL)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Parallelism)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{opts: opts, base: base, http: httpClient, limiter: limiter, logger: logger}, nil
}

// Fetch streams every row of role to fn. fn is never called concurrently.
// An error from fn stops the fetch.
func (c *Client) Fetch(ctx context.Context, role string, fn func(row map[string]any) error) (Stats, error) {
	stats := Stats{Role: role, Total: -1}

	first, err := c.FetchPage(ctx, role, 0)
	if err != nil {
		return stats, err
	}
	stats.Total = first.Total
	stats.Pages = 1
	if err := c.checkPage(first, 0); err != nil {
		return stats, err
	}
	for _, row := range first.Rows {
		stats.Rows++
		if err := fn(row); err != nil {
			return stats, err
		}
	}

	if first.Total < 0 {
		return c.fetchSequential(ctx, role, len(first.Rows), stats, fn)
	}

	var skips []int
	for skip := c.opts.PageSize; skip < first.Total; skip += c.opts.PageSize {
		skips = append(skips, skip)
	}
	if len(skips) == 0 {
		return stats, nil
	}

	c.logger.Debug("fetching remaining pages",
		"role", role, "total", first.Total, "pages", len(skips), "parallelism", c.opts.Parallelism)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan *Page)
	var (
		wg     sync.WaitGroup
		result *bulk.Result
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(pages)
		op := &bulk.Operation{Jobs: c.opts.Parallelism, Logger: c.logger}
		result = bulk.Execute(ctx, op, skips, func(ctx context.Context, skip int) error {
			p, err := c.FetchPage(ctx, role, skip)
			if err != nil {
				return err
			}
			if err := c.checkPage(p, skip); err != nil {
				return err
			}
			select {
			case pages <- p:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var consumeErr error
	for p := range pages {
		if consumeErr != nil {
			continue
		}
		stats.Pages++
		for _, row := range p.Rows {
			stats.Rows++
			if err := fn(row); err != nil {
				consumeErr = err
				cancel()
				break
			}
		}
	}
	wg.Wait()

	if consumeErr != nil {
		return stats, consumeErr
	}
	if err := result.Err(); err != nil {
		return stats, fmt.Errorf("fetching role %s: %w", role, err)
	}
	return stats, nil
}

// checkPage rejects a page shorter than PageSize when the reported total
// says more rows follow it.
func (c *Client) checkPage(p *Page, skip int) error {
	if p.Total < 0 {
		return nil
	}
	want := min(c.opts.PageSize, p.Total-skip)
	if len(p.Rows) < want {
		return fmt.Errorf("%w at skip %d: got %d rows, want %d", ErrShortPage, skip, len(p.Rows), want)
	}
	return nil
}

// fetchSequential pages until a short page when no total is known.
func (c *Client) fetchSequential(ctx context.Context, role string, got int, stats Stats, fn func(map[string]any) error) (Stats, error) {
	skip := got
	last := got
	for last == c.opts.PageSize {
		p, err := c.FetchPage(ctx, role, skip)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		for _, row := range p.Rows {
			stats.Rows++
			if err := fn(row); err != nil {
				return stats, err
			}
		}
		last = len(p.Rows)
		skip += last
	}
	return stats, nil
}

// FetchPage reads one page starting at skip.
func (c *Client) FetchPage(ctx context.Context, role string, skip int) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(role, skip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("source returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	page, err := decodePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("page at skip %d: %w", skip, err)
	}
	return page, nil
}

func (c *Client) pageURL(role string, skip int) string {
	q := url.Values{}
	q.Set("$format", "json")
	q.Set("$top", strconv.Itoa(c.opts.PageSize))
	q.Set("$skip", strconv.Itoa(skip))
	q.Set("$inlinecount", "allpages")
	if role != "" && c.opts.RoleField != "" {
		q.Set("$filter", fmt.Sprintf("%s eq '%s'", c.opts.RoleField, strings.ReplaceAll(role, "'", "''")))
	}
	if len(c.opts.Select) > 0 {
		q.Set("$select", strings.Join(c.opts.Select, ","))
	}
	for k, vs := range c.base.Query() {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	u := *c.base
	u.RawQuery = strings.ReplaceAll(q.Encode(), "+", "%20")
	return u.String()
}

// envelope covers both the verbose ("d") and the plain ("value") layouts.
type envelope struct {
	D *struct {
		Results []map[string]any `json:"results"`
		Count   json.RawMessage  `json:"__count"`
	} `json:"d"`
	Value      []map[string]any `json:"value"`
	ODataCount json.RawMessage  `json:"@odata.count"`
}

func decodePage(r io.Reader) (*Page, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.D != nil {
		return &Page{Rows: env.D.Results, Total: parseCount(env.D.Count)}, nil
	}
	if env.Value != nil {
		return &Page{Rows: env.Value, Total: parseCount(env.ODataCount)}, nil
	}
	return nil, fmt.Errorf("response has neither d.results nor value")
}

// parseCount accepts the count as a JSON string or number.
func parseCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return -1
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return -1
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return -1
}
