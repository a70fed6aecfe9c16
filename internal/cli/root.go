package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ticketsync",
	Short: "Sync service tickets into a hierarchical store and report daily progress",
	Long: `ticketsync pulls ticket-party rows from the source service, one role at a
time, and writes them into the store as one node per ticket: shared base
fields, one fragment per role and a server-side update time.

Every sync keeps a rotating set of backups of the live root and publishes a
summary of status transitions against the previous generation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	return execute(rootCmd)
}

func execute(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit status:
// 2 for configuration errors, 130 for interruption, 1 otherwise.
func ExitCode(err error) int {
	var cerr *config.Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &cerr):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("store", "", "Store URL (overrides TICKETSYNC_STORE_URL)")
	cmd.PersistentFlags().String("root", "", "Live tickets root (overrides TICKETSYNC_ROOT)")
	cmd.PersistentFlags().StringP("output", "o", "", "Output format: text, table, json, yaml")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}
