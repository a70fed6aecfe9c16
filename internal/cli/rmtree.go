package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/paths"
)

var rmtreeCmd = &cobra.Command{
	Use:   "rmtree <path>",
	Short: "Delete a subtree of any size",
	Long: `Deletes <path> and everything beneath it. When the store refuses the
delete as too large, children are removed in chunks first.

WARNING: this permanently deletes data. It CANNOT be undone!`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRmtree),
}

var rmtreeYes bool

func init() {
	rootAdmCmd.AddCommand(rmtreeCmd)
	rmtreeCmd.Flags().BoolVar(&rmtreeYes, "yes", false, "Skip confirmation prompt")
}

func runRmtree(app *appctx.App, cmd *cobra.Command, args []string) error {
	target := paths.Clean(args[0])
	if err := paths.ValidatePath(target); err != nil {
		return err
	}
	if !rmtreeYes && !confirm(cmd, fmt.Sprintf("Delete %s and everything beneath it?", target)) {
		return fmt.Errorf("aborted")
	}

	d := app.NewDeleter()
	if err := d.Delete(cmd.Context(), target); err != nil {
		return err
	}
	st := d.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d direct, %d fallbacks, %d children)\n",
		target, st.Direct, st.Fallbacks, st.Children)
	return nil
}
