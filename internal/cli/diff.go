package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/syncrun"
)

var diffCmd = &cobra.Command{
	Use:   "diff [current] [previous]",
	Short: "Summarize status transitions between two roots",
	Long: `Compares two snapshot roots and reports how many tickets moved between
status values, grouped by transition.

current defaults to the live root and previous to <current>_1. A ticket
present on only one side counts as a transition from or to (none).`,
	Args: cobra.MaximumNArgs(2),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDiff),
}

var (
	diffMarkdown bool
	diffPublish  bool
)

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVar(&diffMarkdown, "markdown", false, "Render as markdown with a table of changed tickets")
	diffCmd.Flags().BoolVar(&diffPublish, "publish", false, "Also write the summary to the summary root")
}

func runDiff(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	current, err := rootArg(app, args, 0)
	if err != nil {
		return err
	}
	previous := snapshot.BackupName(current, 1)
	if len(args) > 1 {
		previous = args[1]
	}

	engine, err := diff.New(diff.Options{Fields: app.Config.Diff})
	if err != nil {
		return err
	}
	cur, err := snapshot.Load(ctx, app.Store, current)
	if err != nil {
		return err
	}
	prev, err := snapshot.Load(ctx, app.Store, previous)
	if err != nil {
		return err
	}
	summary := engine.CompareSnapshots(cur, prev)

	if diffPublish {
		if app.Config.SummaryRoot == "" {
			return fmt.Errorf("no summary root configured")
		}
		if err := syncrun.PublishSummary(ctx, app.Writer, app.Config.SummaryRoot, summary); err != nil {
			return err
		}
		app.Logger.Info("summary published", "root", app.Config.SummaryRoot)
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(summary, func(w io.Writer) error {
		out := diff.FormatText(summary)
		if diffMarkdown {
			out = diff.FormatMarkdown(summary)
		}
		_, err := io.WriteString(w, out)
		return err
	})
}
