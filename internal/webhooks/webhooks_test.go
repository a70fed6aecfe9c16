package webhooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/webhooks"
)

func TestResolveTargets(t *testing.T) {
	urls := []string{
		"http://example.com/hook/{root}",
		"ftp://invalid.example.com/hook",
		" http://example.com/hook/{root}/ ",
		"http://example.com/runs/{run_id}",
		"",
	}
	payload := webhooks.Payload{Root: "c4cTickets", RunID: "r-1"}
	got := webhooks.ResolveTargets(urls, payload, nil)

	expected := []string{
		"http://example.com/hook/c4cTickets",
		"http://example.com/runs/r-1",
	}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected urls\nexpected: %v\nactual:   %v", expected, got)
	}
}

func TestNotifyPostsPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []webhooks.Payload
		hits = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		got = append(got, p)
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	summary := &diff.Summary{
		Current:             snapshot.Meta{Root: "live", TicketCount: 12},
		CurrentUpdateAt:     "2026-02-06T09:30:00Z",
		CreatedOnCountDelta: 2,
		ChangedTickets:      []diff.ChangedTicket{{TicketID: "1"}, {TicketID: "2"}},
		TicketStatusChanges: []diff.Transition{{From: "Open", To: "Completed", Count: 2}},
	}
	payload := webhooks.PayloadFromSummary("r-1", "live", "", summary)

	n := webhooks.New([]string{srv.URL + "/ok", srv.URL + "/fail"}, nil, nil)
	if !n.Enabled() {
		t.Fatal("notifier should be enabled")
	}
	err := n.Notify(context.Background(), payload)
	if err == nil {
		t.Fatal("expected the failing endpoint to be reported")
	}
	if hits["/ok"] != 1 || hits["/fail"] != 1 {
		t.Errorf("hits = %v", hits)
	}
	p := got[0]
	if p.RunID != "r-1" || p.TicketCount != 12 || p.ChangedTickets != 2 || p.CreatedDelta != 2 {
		t.Errorf("payload = %+v", p)
	}
	if len(p.StatusChanges) != 1 || p.StatusChanges[0].Count != 2 {
		t.Errorf("status changes = %+v", p.StatusChanges)
	}
}

func TestNotifyWithoutTargets(t *testing.T) {
	n := webhooks.New(nil, nil, nil)
	if n.Enabled() {
		t.Error("notifier without urls should be disabled")
	}
	if err := n.Notify(context.Background(), webhooks.Payload{}); err != nil {
		t.Errorf("Notify = %v", err)
	}
}
