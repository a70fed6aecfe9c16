package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/zyansaber/ticketsync/internal/store"
)

// sizeRejections are the server messages that accompany a 400 when a write,
// delete or read is over the per-request limits.
var sizeRejections = []string{
	"exceeds the maximum size",
	"write too big",
	"payload too large",
	"too many paths",
	"data requested exceeds",
}

func classifyResponse(op, p string, status int, body []byte) error {
	msg := serverMessage(body)
	e := &store.Error{Op: op, Path: p, Status: status}
	if msg != "" {
		e.Err = errors.New(msg)
	}

	switch {
	case status == http.StatusRequestEntityTooLarge:
		e.Kind = store.KindOversize
	case status == http.StatusBadRequest && isSizeRejection(msg):
		e.Kind = store.KindOversize
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = store.KindUnauthorized
	case status == http.StatusNotFound:
		e.Kind = store.KindNotFound
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		e.Kind = store.KindTransient
	default:
		e.Kind = store.KindPermanent
	}
	return e
}

func classifyTransportError(ctx context.Context, op, p string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return store.NewError(store.KindPermanent, op, p, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return store.NewError(store.KindTransient, op, p, err)
	}
	// Connection resets and EOFs surface as *url.Error wrapping plain errors.
	return store.NewError(store.KindTransient, op, p, fmt.Errorf("request failed: %w", err))
}

func serverMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

func isSizeRejection(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range sizeRejections {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
