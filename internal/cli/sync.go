package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/batch"
	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/syncrun"
	"github.com/zyansaber/ticketsync/internal/webhooks"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull every role from the source into the live root",
	Long: `Runs one full sync:

  1. rotate backups (<root>_1 .. <root>_N), copying the live root to <root>_1
  2. fetch each configured role and merge rows into one node per ticket
  3. prune tickets the source no longer returns (disable with --no-prune)
  4. stamp <root>/updateat with the run time
  5. compare against <root>_1 and publish the summary to the summary root
  6. post the outcome to TICKETSYNC_WEBHOOK_URLS, if any

Writes are batched and split automatically when the store rejects a
request as too large.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.WithSource(), runSync),
}

var (
	syncNoPrune    bool
	syncNoSummary  bool
	syncRoles      []string
	syncMaxBackups int
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncNoPrune, "no-prune", false, "Keep tickets the source did not return")
	syncCmd.Flags().BoolVar(&syncNoSummary, "no-summary", false, "Do not publish the summary root")
	syncCmd.Flags().StringSliceVar(&syncRoles, "roles", nil, "Roles to fetch (overrides TICKETSYNC_ROLES)")
	syncCmd.Flags().IntVar(&syncMaxBackups, "max-backups", 0, "Backups to keep (overrides TICKETSYNC_MAX_BACKUPS)")
}

func runSync(app *appctx.App, cmd *cobra.Command, args []string) error {
	cfg := app.Config
	ctx := cmd.Context()

	opts := syncrun.Options{
		Root:        cfg.Root,
		SummaryRoot: cfg.SummaryRoot,
		Roles:       cfg.Roles,
		MaxBackups:  cfg.MaxBackups,
		Prune:       cfg.Prune && !syncNoPrune,
		Splitter:    app.Splitter(),
		Batch: batch.Options{
			MaxTickets: cfg.MaxTickets,
			MaxPaths:   cfg.MaxPaths,
			MaxBytes:   cfg.MaxBytes,
		},
		Diff:            diff.Options{Fields: cfg.Diff},
		DeleteChunkSize: cfg.DeleteChunkSize,
		Logger:          app.Logger,
	}
	if len(syncRoles) > 0 {
		opts.Roles = syncRoles
	}
	if syncMaxBackups > 0 {
		opts.MaxBackups = syncMaxBackups
	}
	if syncNoSummary {
		opts.SummaryRoot = ""
	}

	archiver, err := app.Archiver(ctx)
	if err != nil {
		return err
	}
	opts.Archiver = archiver

	runner, err := syncrun.New(app.Writer, app.Source, opts)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync %s failed: %w", cfg.Root, err)
	}

	notifier := webhooks.New(cfg.WebhookURLs, nil, app.Logger)
	if notifier.Enabled() && res.Summary != nil {
		payload := webhooks.PayloadFromSummary(res.RunID, res.Root, res.Archived, res.Summary)
		if err := notifier.Notify(ctx, payload); err != nil {
			app.Logger.Warn("sync notifications incomplete", "error", err)
		}
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(res, func(w io.Writer) error {
		return writeSyncResult(w, res)
	})
}

func writeSyncResult(w io.Writer, res *syncrun.Result) error {
	fmt.Fprintf(w, "Synced %s (run %s)\n", res.Root, res.RunID)
	for _, role := range res.Roles {
		fmt.Fprintf(w, "  role %-4s %d rows in %d pages\n", role.Role, role.Rows, role.Pages)
	}
	fmt.Fprintf(w, "  %d tickets, %d records, %d skipped, %d pruned\n",
		res.Batch.Tickets, res.Batch.Records, res.Skipped, res.Pruned)
	fmt.Fprintf(w, "  %d flushes, %d paths, %d splits, %d retries\n",
		res.Batch.Flushes, res.Batch.PathsWritten, res.Writer.Splits, res.Writer.Retries)
	if len(res.Incomplete) > 0 {
		fmt.Fprintf(w, "  incomplete roles %s, prune skipped\n", strings.Join(res.Incomplete, ","))
	}
	fmt.Fprintf(w, "  updateat %s\n", res.UpdateAt)
	if res.Archived != "" {
		fmt.Fprintf(w, "  archived %s\n", res.Archived)
	}
	if res.Summary != nil {
		fmt.Fprintln(w)
		_, err := io.WriteString(w, diff.FormatText(res.Summary))
		return err
	}
	return nil
}
