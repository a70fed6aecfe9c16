package cli

import (
	"github.com/spf13/cobra"
)

var rootAdmCmd = &cobra.Command{
	Use:   "ticketsyncadm",
	Short: "Administrative CLI for ticketsync roots and configuration",
	Long: `ticketsyncadm is the administrative companion to ticketsync. It rotates
backups, stamps and copies roots, removes large subtrees within the store's
delete limit and checks configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteAdmin runs the admin root command
func ExecuteAdmin() error {
	return execute(rootAdmCmd)
}

func init() {
	addGlobalFlags(rootAdmCmd)
}
