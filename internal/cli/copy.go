package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/snapshot"
)

var copyCmd = &cobra.Command{
	Use:   "copy <src> <dst>",
	Short: "Copy a root wholesale, optionally overriding its update marker",
	Long: `Replaces <dst> with a copy of <src>. The source is left untouched.
With --updateat or --last-friday the copy's update marker is overridden.`,
	Args: cobra.ExactArgs(2),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runCopy),
}

var (
	copyUpdateAt   string
	copyLastFriday bool
)

func init() {
	rootAdmCmd.AddCommand(copyCmd)
	copyCmd.Flags().StringVar(&copyUpdateAt, "updateat", "", "Update marker for the copy")
	copyCmd.Flags().BoolVar(&copyLastFriday, "last-friday", false, "Mark the copy with local midnight of the most recent past Friday")
	copyCmd.MarkFlagsMutuallyExclusive("updateat", "last-friday")
}

func runCopy(app *appctx.App, cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	for _, root := range args {
		if err := domain.ValidateRoot(root); err != nil {
			return err
		}
	}
	if src == dst {
		return fmt.Errorf("source and destination are the same root")
	}

	marker := copyUpdateAt
	if copyLastFriday {
		marker = markerFor("", true, stampNow())
	}

	rotator := snapshot.NewRotator(app.Writer, app.Logger)
	rotator.Deleter = app.NewDeleter()
	if err := rotator.Copy(cmd.Context(), src, dst, marker); err != nil {
		return err
	}
	if marker != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "copied %s -> %s (updateat %s)\n", src, dst, marker)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "copied %s -> %s\n", src, dst)
	}
	return nil
}
