package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	if versionJSON {
		output := map[string]any{
			"version":    Version,
			"commit":     GitCommit,
			"build_date": BuildDate,
			"supported_commands": []string{
				"sync", "diff", "counts", "show", "version",
			},
			"admin_commands": []string{
				"rotate", "stamp", "copy", "rmtree", "config doctor",
			},
			"store_backends": []string{"rtdb", "sqlite"},
			"supported_formats": []string{
				"text", "table", "json", "yaml",
			},
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(output)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ticketsync version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)

	return nil
}
