package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/snapshot"
)

var stampCmd = &cobra.Command{
	Use:   "stamp [root]",
	Short: "Set the update marker of a root",
	Long: `Sets <root>/updateat. By default the marker is the current time (UTC,
RFC 3339). --last-friday uses local midnight of the most recent Friday
before today; --value sets an arbitrary marker.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runStamp),
}

var (
	stampLastFriday bool
	stampValue      string
	stampNow        = time.Now
)

func init() {
	rootAdmCmd.AddCommand(stampCmd)
	stampCmd.Flags().BoolVar(&stampLastFriday, "last-friday", false, "Stamp local midnight of the most recent past Friday")
	stampCmd.Flags().StringVar(&stampValue, "value", "", "Stamp this exact marker")
	stampCmd.MarkFlagsMutuallyExclusive("last-friday", "value")
}

func runStamp(app *appctx.App, cmd *cobra.Command, args []string) error {
	root, err := rootArg(app, args, 0)
	if err != nil {
		return err
	}

	marker := markerFor(stampValue, stampLastFriday, stampNow())
	err = app.Writer.Retry(cmd.Context(), "stamp "+root, func() error {
		return snapshot.StampUpdateAt(cmd.Context(), app.Store, root, marker)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/updateat = %s\n", root, marker)
	return nil
}

// markerFor picks the marker an admin command should write.
func markerFor(value string, lastFriday bool, now time.Time) string {
	switch {
	case value != "":
		return value
	case lastFriday:
		return domain.FormatLocalUpdateAt(domain.LastFridayMidnight(now))
	}
	return domain.FormatUpdateAt(now)
}
