package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/snapshot"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate [root]",
	Short: "Shift the backup chain of a root by one generation",
	Long: `Evicts <root>_N, moves each <root>_i to <root>_{i+1} from the oldest down,
then copies the live root to <root>_1. The live root itself is left in
place. sync does this automatically before fetching.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRotate),
}

var rotateMaxBackups int

func init() {
	rootAdmCmd.AddCommand(rotateCmd)
	rotateCmd.Flags().IntVar(&rotateMaxBackups, "max-backups", 0, "Backups to keep (overrides TICKETSYNC_MAX_BACKUPS)")
}

func runRotate(app *appctx.App, cmd *cobra.Command, args []string) error {
	root, err := rootArg(app, args, 0)
	if err != nil {
		return err
	}
	maxBackups := app.Config.MaxBackups
	if rotateMaxBackups > 0 {
		maxBackups = rotateMaxBackups
	}

	rotator := snapshot.NewRotator(app.Writer, app.Logger)
	rotator.Deleter = app.NewDeleter()
	res, err := rotator.Rotate(cmd.Context(), root, maxBackups)
	if err != nil {
		return err
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	return r.Render(res, func(w io.Writer) error {
		for _, a := range res.Actions {
			switch a.Kind {
			case snapshot.ActionEvict:
				fmt.Fprintf(w, "evicted %s\n", a.From)
			case snapshot.ActionSkip:
				fmt.Fprintf(w, "skipped %s (absent)\n", a.From)
			default:
				fmt.Fprintf(w, "%s %s -> %s\n", a.Kind, a.From, a.To)
			}
		}
		return nil
	})
}
