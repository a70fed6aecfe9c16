package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/render"
	"github.com/zyansaber/ticketsync/internal/snapshot"
)

var countsCmd = &cobra.Command{
	Use:   "counts [root]",
	Short: "Count tickets per status",
	Long: `Counts the tickets of a root by status text. Only the configured status set
is tallied unless --all is given; tickets outside the set are reported as
other.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runCounts),
}

var (
	countsStatuses []string
	countsAll      bool
)

func init() {
	rootCmd.AddCommand(countsCmd)
	countsCmd.Flags().StringArrayVar(&countsStatuses, "status", nil, "Status to count (repeatable, overrides the configured set)")
	countsCmd.Flags().BoolVar(&countsAll, "all", false, "Count every status value seen")
}

func runCounts(app *appctx.App, cmd *cobra.Command, args []string) error {
	root, err := rootArg(app, args, 0)
	if err != nil {
		return err
	}
	snap, err := snapshot.Load(cmd.Context(), app.Store, root)
	if err != nil {
		return err
	}

	statuses := app.Config.Statuses
	if len(countsStatuses) > 0 {
		statuses = countsStatuses
	}
	if countsAll {
		statuses = nil
	}
	counts, err := diff.CountStatuses(snap.Tickets, app.Config.Diff.StatusText, statuses)
	if err != nil {
		return err
	}
	counts.Root = root

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	if r.Format() == render.FormatTable || r.Format() == render.FormatTSV {
		rows := make([][]string, 0, len(counts.Statuses)+1)
		for _, s := range counts.Statuses {
			rows = append(rows, []string{s.Status, strconv.Itoa(s.Count)})
		}
		rows = append(rows, []string{"(total)", strconv.Itoa(counts.Total)})
		if r.Format() == render.FormatTSV {
			return r.RenderTSV([]string{"status", "count"}, rows)
		}
		return r.RenderTable([]string{"STATUS", "COUNT"}, rows)
	}
	return r.Render(counts, func(w io.Writer) error {
		fmt.Fprintf(w, "%s (%s)\n", root, snap.Meta.UpdateAt)
		for _, s := range counts.Statuses {
			fmt.Fprintf(w, "  %s: %d\n", s.Status, s.Count)
		}
		fmt.Fprintf(w, "Total: %d\n", counts.Total)
		if counts.Other > 0 {
			fmt.Fprintf(w, "Other: %d\n", counts.Other)
		}
		return nil
	})
}
