// Package webhooks notifies HTTP endpoints when a sync run completes.
// Delivery is best effort: failures are logged and returned, never retried.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zyansaber/ticketsync/internal/bulk"
	"github.com/zyansaber/ticketsync/internal/diff"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
)

// Payload is the body posted after a sync run.
type Payload struct {
	RunID          string            `json:"run_id"`
	Root           string            `json:"root"`
	UpdateAt       string            `json:"updateat"`
	TicketCount    int               `json:"ticket_count"`
	ChangedTickets int               `json:"changed_tickets"`
	CreatedDelta   int               `json:"created_delta"`
	StatusChanges  []diff.Transition `json:"status_changes"`
	Archived       string            `json:"archived,omitempty"`
}

// PayloadFromSummary builds the payload for one published summary.
func PayloadFromSummary(runID, root, archived string, s *diff.Summary) Payload {
	return Payload{
		RunID:          runID,
		Root:           root,
		UpdateAt:       s.CurrentUpdateAt,
		TicketCount:    s.Current.TicketCount,
		ChangedTickets: len(s.ChangedTickets),
		CreatedDelta:   s.CreatedOnCountDelta,
		StatusChanges:  s.TicketStatusChanges,
		Archived:       archived,
	}
}

// Notifier posts payloads to a fixed set of endpoints.
type Notifier struct {
	urls        []string
	client      *http.Client
	concurrency int
	logger      *slog.Logger
}

// New creates a notifier. client may be nil.
func New(urls []string, client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{urls: urls, client: client, concurrency: defaultConcurrency, logger: logger}
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return len(n.urls) > 0
}

// Notify posts payload to every resolved target and joins the failures.
func (n *Notifier) Notify(ctx context.Context, payload Payload) error {
	targets := ResolveTargets(n.urls, payload, n.logger)
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhooks: failed to encode payload: %w", err)
	}

	op := &bulk.Operation{Jobs: n.concurrency, ContinueOnError: true, Logger: n.logger}
	result := bulk.Execute(ctx, op, targets, func(ctx context.Context, endpoint string) error {
		if err := n.send(ctx, endpoint, body); err != nil {
			n.logger.Warn("webhook delivery failed", "url", endpoint, "error", err)
			return err
		}
		return nil
	})

	errs := make([]error, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, e.Error)
	}
	return errors.Join(errs...)
}

// ResolveTargets templates, normalizes, and de-dupes webhook URLs.
// {root} and {run_id} are replaced from the payload; invalid URLs are
// skipped.
func ResolveTargets(urls []string, payload Payload, logger *slog.Logger) []string {
	if len(urls) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			logger.Warn("skipping invalid webhook url", "url", templated)
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{root}", url.PathEscape(payload.Root))
	result = strings.ReplaceAll(result, "{run_id}", url.PathEscape(payload.RunID))
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

func (n *Notifier) send(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request %q: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %q: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %q: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
