package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zyansaber/ticketsync/internal/archive"
	"github.com/zyansaber/ticketsync/internal/batch"
	"github.com/zyansaber/ticketsync/internal/bounded"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/record"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/source"
	"github.com/zyansaber/ticketsync/internal/store"
	"github.com/zyansaber/ticketsync/internal/store/sqlitestore"
	"github.com/zyansaber/ticketsync/internal/testutil"
)

type fakeSource struct {
	rows map[string][]map[string]any
	errs map[string]error
	// missing adds rows to the reported total that are never delivered.
	missing map[string]int
}

func (f *fakeSource) Fetch(_ context.Context, role string, fn func(map[string]any) error) (source.Stats, error) {
	stats := source.Stats{Role: role, Total: len(f.rows[role]) + f.missing[role], Pages: 1}
	if err := f.errs[role]; err != nil {
		return stats, err
	}
	for _, row := range f.rows[role] {
		stats.Rows++
		// Hand over a copy, as a decoder would.
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		if err := fn(cp); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func row(id, role, status, name string) map[string]any {
	return map[string]any{
		"__metadata":        map[string]any{"uri": "x"},
		"TicketID":          id,
		"TicketStatus":      status,
		"TicketStatusText":  status + " text",
		"CreatedOn":         "2026-01-05",
		"PartyRoleCode":     role,
		"InvolvedPartyName": name,
	}
}

func testOptions() Options {
	return Options{
		Root:        "live",
		SummaryRoot: "progress",
		Roles:       []string{"40", "43"},
		MaxBackups:  3,
		Prune:       true,
		Splitter: record.Splitter{
			RoleField:  "PartyRoleCode",
			RoleFields: []string{"PartyRoleCode", "InvolvedPartyName"},
			MetaFields: []string{"__metadata"},
		},
		Now: func() time.Time { return time.Date(2026, 2, 6, 9, 30, 0, 0, time.UTC) },
	}
}

func newRunner(t *testing.T, s store.Store, src Fetcher, opts Options) *Runner {
	t.Helper()
	w := &bounded.Writer{
		Store:     s,
		BaseDelay: time.Millisecond,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	r, err := New(w, src, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func twoTickets(status string) *fakeSource {
	return &fakeSource{rows: map[string][]map[string]any{
		"40": {row("1001", "40", status, "Alice"), row("1002", "40", "Open", "Bob")},
		"43": {row("1001", "43", status, "Carol")},
	}}
}

func TestRunWritesTicketsAndSummary(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	res, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	testutil.AssertEqual(t, 2, res.Batch.Tickets)
	testutil.AssertEqual(t, 3, res.Batch.Records)
	testutil.AssertEqual[any](t, "Open", testutil.Read(t, s, "live/tickets/1001/base/TicketStatus"))
	testutil.AssertEqual[any](t, "Alice", testutil.Read(t, s, "live/tickets/1001/roles/40/InvolvedPartyName"))
	testutil.AssertEqual[any](t, "Carol", testutil.Read(t, s, "live/tickets/1001/roles/43/InvolvedPartyName"))
	testutil.AssertEqual[any](t, nil, testutil.Read(t, s, "live/tickets/1001/base/__metadata"))
	testutil.AssertEqual[any](t, nil, testutil.Read(t, s, "live/tickets/1001/base/InvolvedPartyName"))
	if _, ok := testutil.Read(t, s, "live/tickets/1002/updatedAt").(float64); !ok {
		t.Error("updatedAt was not resolved to a server time")
	}
	testutil.AssertEqual[any](t, "2026-02-06T09:30:00Z", testutil.Read(t, s, "live/updateat"))

	testutil.AssertEqual(t, 2, res.Summary.CreatedOnCountCurrent)
	testutil.AssertEqual(t, 0, res.Summary.CreatedOnCountPrevious)
	testutil.AssertEqual[any](t, 2.0, testutil.Read(t, s, "progress/createdOnCountCurrent"))
	testutil.AssertEqual[any](t, res.RunID, testutil.Read(t, s, "progress/runId"))
	testutil.AssertEqual[any](t, "live", testutil.Read(t, s, "progress/current/root"))
}

func TestRunIsIdempotent(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	r := newRunner(t, s, twoTickets("Open"), testOptions())

	if _, err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	live, err := snapshot.Load(ctx, s, "live")
	testutil.AssertNoError(t, err)
	prev, err := snapshot.Load(ctx, s, "live_1")
	testutil.AssertNoError(t, err)
	a, _ := snapshot.Fingerprint(live.Tickets)
	b, _ := snapshot.Fingerprint(prev.Tickets)
	testutil.AssertEqual(t, a, b)
	testutil.AssertEqual(t, 0, len(res.Summary.ChangedTickets))
	testutil.AssertEqual(t, 0, res.Pruned)
}

func TestRunReportsTransitions(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	if _, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := newRunner(t, s, twoTickets("Completed"), testOptions()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual[any](t, "Completed", testutil.Read(t, s, "live/tickets/1001/base/TicketStatus"))
	if len(res.Summary.TicketStatusChanges) != 1 {
		t.Fatalf("status changes = %+v", res.Summary.TicketStatusChanges)
	}
	tr := res.Summary.TicketStatusChanges[0]
	testutil.AssertEqual(t, "Open->Completed", tr.Label())
	testutil.AssertEqual(t, 1, tr.Count)
	testutil.AssertDeepEqual(t, []string{"Alice"}, tr.DisplayNames)
	testutil.AssertEqual(t, "1001", res.Summary.ChangedTickets[0].TicketID)
}

func TestRunPrunesStaleTickets(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	if _, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}

	src := twoTickets("Open")
	src.rows["40"] = src.rows["40"][:1]
	res, err := newRunner(t, s, src, testOptions()).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, 1, res.Pruned)
	testutil.AssertEqual[any](t, nil, testutil.Read(t, s, "live/tickets/1002"))
	if testutil.Read(t, s, "live_1/tickets/1002") == nil {
		t.Error("backup lost the pruned ticket")
	}
	testutil.AssertEqual(t, 1, len(res.Summary.ChangedTickets))
	testutil.AssertEqual(t, "1002", res.Summary.ChangedTickets[0].TicketID)
	testutil.AssertEqual[any](t, nil, res.Summary.ChangedTickets[0].TicketStatus)
}

func TestRunWithoutPrune(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	if _, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	src := twoTickets("Open")
	src.rows["40"] = src.rows["40"][:1]
	opts := testOptions()
	opts.Prune = false
	res, err := newRunner(t, s, src, opts).Run(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 0, res.Pruned)
	if testutil.Read(t, s, "live/tickets/1002") == nil {
		t.Error("ticket removed with pruning off")
	}
}

func TestRunKeepsTicketsWhenFetchIsIncomplete(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	if _, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}

	src := twoTickets("Open")
	src.rows["40"] = src.rows["40"][:1]
	src.missing = map[string]int{"40": 1}
	res, err := newRunner(t, s, src, testOptions()).Run(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertDeepEqual(t, []string{"40"}, res.Incomplete)
	testutil.AssertEqual(t, 0, res.Pruned)
	if testutil.Read(t, s, "live/tickets/1002") == nil {
		t.Error("ticket pruned after an incomplete fetch")
	}
	if res.UpdateAt == "" {
		t.Error("incomplete fetch should still stamp the root")
	}
}

func TestRunHonorsDeleteChunkSize(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	src := &fakeSource{rows: map[string][]map[string]any{"40": {}, "43": {}}}
	for i := 0; i < 5; i++ {
		src.rows["40"] = append(src.rows["40"], row(fmt.Sprintf("20%02d", i), "40", "Open", "Alice"))
	}
	if _, err := newRunner(t, s, src, testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}

	src.rows["40"] = src.rows["40"][:1]
	opts := testOptions()
	opts.DeleteChunkSize = 2
	r := newRunner(t, s, src, opts)
	testutil.AssertEqual(t, 2, r.deleter.ChunkSize)

	res, err := r.Run(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 4, res.Pruned)
	testutil.AssertEqual(t, 4, r.deleter.Stats().Children)
	for i := 1; i < 5; i++ {
		if v := testutil.Read(t, s, fmt.Sprintf("live/tickets/20%02d", i)); v != nil {
			t.Errorf("ticket 20%02d survived pruning", i)
		}
	}
}

func TestRunSkipsRowsWithoutID(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	src := twoTickets("Open")
	src.rows["43"] = append(src.rows["43"], row("", "43", "Open", "Nobody"), row("nan", "43", "Open", "Nobody"))
	res, err := newRunner(t, s, src, testOptions()).Run(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 2, res.Skipped)
	testutil.AssertEqual(t, 2, res.Batch.Tickets)
}

func TestRoleFailureStopsBeforePruneAndStamp(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	ctx := context.Background()
	if _, err := newRunner(t, s, twoTickets("Open"), testOptions()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.Seed(t, s, sqlitestore.Limits{}, "live/updateat", "marker")

	src := twoTickets("Open")
	src.rows["40"] = src.rows["40"][:1]
	boom := errors.New("source unavailable")
	src.errs = map[string]error{"43": boom}
	_, err := newRunner(t, s, src, testOptions()).Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if testutil.Read(t, s, "live/tickets/1002") == nil {
		t.Error("ticket pruned after a failed role")
	}
	testutil.AssertEqual[any](t, "marker", testutil.Read(t, s, "live/updateat"))
}

func TestRunUnderTightLimits(t *testing.T) {
	limits := sqlitestore.Limits{MaxPaths: 10, MaxWriteBytes: 2000, MaxDeleteNodes: 40}
	s := testutil.TempStore(t, limits)
	ctx := context.Background()

	src := &fakeSource{rows: map[string][]map[string]any{}}
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("%d", 5000+i)
		src.rows["40"] = append(src.rows["40"], row(id, "40", "Open", fmt.Sprintf("Agent %d", i%3)))
		src.rows["43"] = append(src.rows["43"], row(id, "43", "Open", "Desk"))
	}
	opts := testOptions()
	opts.Batch = batch.Options{MaxTickets: 7}

	r := newRunner(t, s, src, opts)
	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	for i := range src.rows["40"] {
		src.rows["40"][i]["TicketStatus"] = "Completed"
	}
	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if res.Writer.Splits == 0 {
		t.Error("expected the writer to split batches")
	}
	live, err := snapshot.Load(ctx, s, "live")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 60, live.Meta.TicketCount)
	testutil.AssertEqual(t, 60, len(res.Summary.ChangedTickets))

	published := store.AsMap(testutil.Read(t, s, "progress/changedTickets"))
	testutil.AssertEqual(t, 60, len(published))
}

func TestRunArchivesSummary(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	sink := archive.DirSink{Dir: t.TempDir()}
	opts := testOptions()
	opts.RunID = "run-1"
	opts.Archiver = archive.New(sink, 0, nil)

	res, err := newRunner(t, s, twoTickets("Open"), opts).Run(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "live/20260206T093000Z-run-1.json.zst", res.Archived)

	var got diff.Summary
	testutil.AssertNoError(t, opts.Archiver.Get(context.Background(), res.Archived, &got))
	testutil.AssertEqual(t, "run-1", got.RunID)
	testutil.AssertEqual(t, 2, got.CreatedOnCountCurrent)
}

func TestNewRejectsBadOptions(t *testing.T) {
	s := testutil.TempStore(t, sqlitestore.Limits{})
	w := bounded.NewWriter(s, nil)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"nested root", func(o *Options) { o.Root = "a/b" }},
		{"no roles", func(o *Options) { o.Roles = nil }},
		{"empty role", func(o *Options) { o.Roles = []string{""} }},
		{"summary on root", func(o *Options) { o.SummaryRoot = o.Root }},
		{"bad field", func(o *Options) { o.Diff.Fields = diff.Fields{Status: "$.base["} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			if _, err := New(w, &fakeSource{}, opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunAgainstHTTPSource(t *testing.T) {
	rows := map[string][]map[string]any{
		"40": {row("1001", "40", "Open", "Alice"), row("1002", "40", "Open", "Bob"), row("1003", "40", "Open", "Eve")},
		"43": {row("1001", "43", "Open", "Carol")},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		role := strings.TrimSuffix(strings.TrimPrefix(filter, "PartyRoleCode eq '"), "'")
		var skip, top int
		fmt.Sscan(r.URL.Query().Get("$skip"), &skip)
		fmt.Sscan(r.URL.Query().Get("$top"), &top)
		all := rows[role]
		page := []map[string]any{}
		if skip < len(all) {
			page = all[skip:min(skip+top, len(all))]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{"results": page, "__count": fmt.Sprint(len(all))},
		})
	}))
	defer srv.Close()

	client, err := source.New(source.Options{URL: srv.URL, RoleField: "PartyRoleCode", PageSize: 2, Parallelism: 2})
	testutil.AssertNoError(t, err)

	s := testutil.TempStore(t, sqlitestore.Limits{})
	res, err := newRunner(t, s, client, testOptions()).Run(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 3, res.Batch.Tickets)
	testutil.AssertEqual(t, 2, res.Roles[0].Pages)
	testutil.AssertEqual[any](t, "Eve", testutil.Read(t, s, "live/tickets/1003/roles/40/InvolvedPartyName"))
}
