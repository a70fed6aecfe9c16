package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/config"
	"github.com/zyansaber/ticketsync/internal/source"
	"github.com/zyansaber/ticketsync/internal/store/sqlitestore"
	"github.com/zyansaber/ticketsync/internal/testutil"
)

func testApp(t *testing.T) (*appctx.App, *sqlitestore.Store) {
	t.Helper()
	s := testutil.TempStore(t, sqlitestore.Limits{})
	cfg := config.Default()
	cfg.StoreURL = "sqlite::memory:"
	cfg.Root = "live"
	cfg.SummaryRoot = "progress"
	cfg.BaseDelay = time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &appctx.App{
		Config: cfg,
		Logger: logger,
		Store:  s,
		Writer: appctx.NewWriter(cfg, s, logger),
	}, s
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func ticket(status, name string) map[string]any {
	return map[string]any{
		"base": map[string]any{
			"TicketStatus":     status,
			"TicketStatusText": status,
			"CreatedOn":        "2026-01-05",
		},
		"roles":     map[string]any{"40": map[string]any{"InvolvedPartyName": name}},
		"updatedAt": 1.0,
	}
}

func seedGenerations(t *testing.T, s *sqlitestore.Store) {
	t.Helper()
	testutil.Seed(t, s, sqlitestore.Limits{}, "live", map[string]any{
		"tickets":  map[string]any{"A1": ticket("Completed", "Alice"), "A2": ticket("Open", "Bob")},
		"updateat": "2026-02-06T09:30:00Z",
	})
	testutil.Seed(t, s, sqlitestore.Limits{}, "live_1", map[string]any{
		"tickets":  map[string]any{"A1": ticket("Open", "Alice"), "A2": ticket("Open", "Bob")},
		"updateat": "2026-02-05T09:30:00Z",
	})
}

func TestDiffCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)

	cmd, out := testCmd()
	if err := runDiff(app, cmd, nil); err != nil {
		t.Fatalf("runDiff failed: %v", err)
	}
	testutil.AssertStringContains(t, out.String(), "Open -> Completed: 1")
	testutil.AssertStringContains(t, out.String(), "1 ticket changed.")

	diffPublish = true
	diffMarkdown = true
	defer func() { diffPublish, diffMarkdown = false, false }()
	cmd, out = testCmd()
	if err := runDiff(app, cmd, []string{"live", "live_1"}); err != nil {
		t.Fatalf("runDiff --publish failed: %v", err)
	}
	testutil.AssertStringContains(t, out.String(), "| A1 |")
	testutil.AssertEqual[any](t, "live_1", testutil.Read(t, s, "progress/previous/root"))
}

func TestDiffCommandJSON(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	app.Config.Output = "json"

	cmd, out := testCmd()
	testutil.AssertNoError(t, runDiff(app, cmd, nil))
	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	testutil.AssertEqual[any](t, 2.0, got["createdOnCountCurrent"])
}

func TestSyncCommand(t *testing.T) {
	rows := []map[string]any{
		{"TicketID": "A1", "TicketStatus": "Completed", "TicketStatusText": "Completed", "CreatedOn": "2026-01-05",
			"PartyRoleCode": "40", "InvolvedPartyName": "Alice"},
		{"TicketID": "A2", "TicketStatus": "Open", "TicketStatusText": "Open", "CreatedOn": "2026-01-05",
			"PartyRoleCode": "40", "InvolvedPartyName": "Bob"},
	}
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{"results": rows, "__count": fmt.Sprint(len(rows))},
		})
	}))
	defer src.Close()

	var (
		mu    sync.Mutex
		hooks []map[string]any
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		mu.Lock()
		hooks = append(hooks, body)
		mu.Unlock()
	}))
	defer receiver.Close()

	app, s := testApp(t)
	seedGenerations(t, s)
	app.Config.Roles = []string{"40"}
	app.Config.ArchiveDir = t.TempDir()
	app.Config.WebhookURLs = []string{receiver.URL + "/sync/{root}"}
	client, err := source.New(source.Options{URL: src.URL, RoleField: app.Config.RoleField, PageSize: 10})
	testutil.AssertNoError(t, err)
	app.Source = client

	cmd, out := testCmd()
	if err := runSync(app, cmd, nil); err != nil {
		t.Fatalf("runSync failed: %v", err)
	}
	testutil.AssertStringContains(t, out.String(), "Synced live")
	testutil.AssertStringContains(t, out.String(), "2 tickets")

	testutil.AssertEqual[any](t, "Completed", testutil.Read(t, s, "live/tickets/A1/base/TicketStatus"))
	testutil.AssertEqual[any](t, "Completed", testutil.Read(t, s, "live_1/tickets/A1/base/TicketStatus"))
	if testutil.Read(t, s, "progress") == nil {
		t.Error("summary root not published")
	}

	archived, err := filepath.Glob(filepath.Join(app.Config.ArchiveDir, "live", "*.json.zst"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 1, len(archived))
	if _, err := os.Stat(archived[0]); err != nil {
		t.Errorf("archive missing: %v", err)
	}

	if len(hooks) != 1 {
		t.Fatalf("webhook calls = %d, want 1", len(hooks))
	}
	testutil.AssertEqual[any](t, "live", hooks[0]["root"])
	testutil.AssertEqual[any](t, 2.0, hooks[0]["ticket_count"])
	if name, _ := hooks[0]["archived"].(string); !strings.HasPrefix(name, "live/") {
		t.Errorf("archived = %v", hooks[0]["archived"])
	}
}

func TestCountsCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	app.Config.Output = "table"

	countsStatuses = []string{"Open", "Completed", "Parked"}
	defer func() { countsStatuses = nil }()

	cmd, out := testCmd()
	testutil.AssertNoError(t, runCounts(app, cmd, nil))
	want := "STATUS     COUNT\n" +
		"---------  -----\n" +
		"Completed  1    \n" +
		"Open       1    \n" +
		"Parked     0    \n" +
		"(total)    2    \n"
	testutil.AssertEqual(t, want, out.String())
}

func TestCountsCommandAll(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	countsAll = true
	defer func() { countsAll = false }()

	cmd, out := testCmd()
	testutil.AssertNoError(t, runCounts(app, cmd, []string{"live_1"}))
	testutil.AssertStringContains(t, out.String(), "  Open: 2\n")
	testutil.AssertStringContains(t, out.String(), "Total: 2\n")
}

func TestShowCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)

	cmd, out := testCmd()
	testutil.AssertNoError(t, runShow(app, cmd, []string{"A1"}))
	testutil.AssertStringContains(t, out.String(), `"TicketStatus":"Completed"`)

	showAgainst = "live_1"
	defer func() { showAgainst = "" }()
	cmd, out = testCmd()
	testutil.AssertNoError(t, runShow(app, cmd, []string{"A1"}))
	testutil.AssertStringContains(t, out.String(), "--- live_1/tickets/A1")
	testutil.AssertStringContains(t, out.String(), `+    "TicketStatus": "Completed"`)

	cmd, out = testCmd()
	testutil.AssertNoError(t, runShow(app, cmd, []string{"A2"}))
	testutil.AssertStringContains(t, out.String(), "identical")

	cmd, _ = testCmd()
	testutil.AssertError(t, runShow(app, cmd, []string{"missing"}))
}

func TestShowFingerprint(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)

	showFingerprint = true
	defer func() { showFingerprint = false }()

	cmd, out := testCmd()
	testutil.AssertNoError(t, runShow(app, cmd, nil))
	testutil.AssertStringContains(t, out.String(), "sha256:")
	testutil.AssertStringContains(t, out.String(), "(2 tickets)")

	cmd, _ = testCmd()
	showFingerprint = false
	testutil.AssertError(t, runShow(app, cmd, nil))
}

func TestMarkerFor(t *testing.T) {
	// Wednesday.
	now := time.Date(2026, 2, 4, 15, 4, 5, 0, time.Local)
	testutil.AssertEqual(t, "custom", markerFor("custom", true, now))
	testutil.AssertEqual(t, "2026-01-30T00:00:00", markerFor("", true, now))
	testutil.AssertEqual(t, now.UTC().Format(time.RFC3339), markerFor("", false, now))
}

func TestStampCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	stampNow = func() time.Time { return time.Date(2026, 2, 6, 12, 0, 0, 0, time.Local) }
	stampLastFriday = true
	defer func() { stampNow, stampLastFriday = time.Now, false }()

	cmd, out := testCmd()
	testutil.AssertNoError(t, runStamp(app, cmd, nil))
	testutil.AssertEqual[any](t, "2026-01-30T00:00:00", testutil.Read(t, s, "live/updateat"))
	testutil.AssertStringContains(t, out.String(), "live/updateat = 2026-01-30T00:00:00")
}

func TestCopyCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	copyUpdateAt = "2026-01-30T00:00:00"
	defer func() { copyUpdateAt = "" }()

	cmd, _ := testCmd()
	testutil.AssertNoError(t, runCopy(app, cmd, []string{"live", "frozen"}))
	testutil.AssertEqual[any](t, "2026-01-30T00:00:00", testutil.Read(t, s, "frozen/updateat"))
	testutil.AssertEqual[any](t, "Completed", testutil.Read(t, s, "frozen/tickets/A1/base/TicketStatus"))

	testutil.AssertError(t, runCopy(app, cmd, []string{"live", "live"}))
	testutil.AssertError(t, runCopy(app, cmd, []string{"live", "a/b"}))
}

func TestRotateCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)

	cmd, out := testCmd()
	testutil.AssertNoError(t, runRotate(app, cmd, nil))
	testutil.AssertStringContains(t, out.String(), "shift live_1 -> live_2")
	testutil.AssertStringContains(t, out.String(), "backup live -> live_1")
	testutil.AssertEqual[any](t, "Completed", testutil.Read(t, s, "live_1/tickets/A1/base/TicketStatus"))
	testutil.AssertEqual[any](t, "Open", testutil.Read(t, s, "live_2/tickets/A1/base/TicketStatus"))
}

func TestRmtreeCommand(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)

	cmd, _ := testCmd()
	cmd.SetIn(strings.NewReader("n\n"))
	testutil.AssertError(t, runRmtree(app, cmd, []string{"live_1"}))
	if testutil.Read(t, s, "live_1") == nil {
		t.Fatal("declined delete removed data")
	}

	cmd, out := testCmd()
	cmd.SetIn(strings.NewReader("yes\n"))
	testutil.AssertNoError(t, runRmtree(app, cmd, []string{"live_1"}))
	testutil.AssertEqual[any](t, nil, testutil.Read(t, s, "live_1"))
	testutil.AssertStringContains(t, out.String(), "deleted live_1")
}

func TestRmtreeUnderDeleteLimit(t *testing.T) {
	app, s := testApp(t)
	seedGenerations(t, s)
	s.SetLimits(sqlitestore.Limits{MaxDeleteNodes: 3})
	rmtreeYes = true
	defer func() { rmtreeYes = false }()

	cmd, out := testCmd()
	testutil.AssertNoError(t, runRmtree(app, cmd, []string{"live"}))
	testutil.AssertEqual[any](t, nil, testutil.Read(t, s, "live"))
	testutil.AssertStringContains(t, out.String(), "deleted live (")
}

func TestVersionJSON(t *testing.T) {
	versionJSON = true
	defer func() { versionJSON = false }()
	cmd, out := testCmd()
	testutil.AssertNoError(t, runVersion(cmd, nil))
	var got map[string]any
	testutil.AssertNoError(t, json.Unmarshal(out.Bytes(), &got))
	testutil.AssertEqual[any](t, Version, got["version"])
}

func TestReadYes(t *testing.T) {
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "\n": false, "no\n": false, "": false} {
		if got := readYes(strings.NewReader(in)); got != want {
			t.Errorf("readYes(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExitCode(t *testing.T) {
	testutil.AssertEqual(t, 0, ExitCode(nil))
	testutil.AssertEqual(t, 2, ExitCode(fmt.Errorf("load: %w", &config.Error{Problems: []string{"x"}})))
	testutil.AssertEqual(t, 130, ExitCode(fmt.Errorf("sync: %w", context.Canceled)))
	testutil.AssertEqual(t, 1, ExitCode(errors.New("boom")))
}
