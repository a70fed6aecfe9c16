package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/diff"
	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/snapshot"
	"github.com/zyansaber/ticketsync/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show [ticket-id]",
	Short: "Show a ticket, or the fingerprint of a root",
	Long: `With a ticket id, prints the ticket's stored node as canonical JSON, or with
--against a unified diff of the ticket between another root and this one.

With --fingerprint, prints a content hash of the root's tickets that ignores
server update times. Two roots with equal fingerprints hold the same data.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runShow),
}

var (
	showFingerprint bool
	showAgainst     string
)

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().BoolVar(&showFingerprint, "fingerprint", false, "Print the root's content fingerprint")
	showCmd.Flags().StringVar(&showAgainst, "against", "", "Diff the ticket against this root (e.g. <root>_1)")
}

type fingerprintOutput struct {
	Root        string `json:"root"`
	UpdateAt    string `json:"updateat,omitempty"`
	TicketCount int    `json:"ticketCount"`
	Fingerprint string `json:"fingerprint"`
}

func runShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	root := app.Config.Root
	if err := domain.ValidateRoot(root); err != nil {
		return err
	}
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		if !showFingerprint {
			return fmt.Errorf("a ticket id or --fingerprint is required")
		}
		snap, err := snapshot.Load(cmd.Context(), app.Store, root)
		if err != nil {
			return err
		}
		fp, err := snapshot.Fingerprint(snap.Tickets)
		if err != nil {
			return err
		}
		out := fingerprintOutput{Root: root, UpdateAt: snap.Meta.UpdateAt, TicketCount: snap.Meta.TicketCount, Fingerprint: fp}
		return r.Render(out, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s  %s (%d tickets)\n", fp, root, out.TicketCount)
			return err
		})
	}

	id, err := domain.NormalizeID(args[0])
	if err != nil {
		return err
	}
	current, err := readTicket(cmd, app.Store, root, id)
	if err != nil {
		return err
	}

	if showAgainst != "" {
		if err := domain.ValidateRoot(showAgainst); err != nil {
			return err
		}
		previous, err := readTicket(cmd, app.Store, showAgainst, id)
		if err != nil {
			return err
		}
		if current == nil && previous == nil {
			return fmt.Errorf("ticket %s: %w", id, store.ErrNotFound)
		}
		text, err := diff.TicketDiff(id, previous, current, showAgainst, root)
		if err != nil {
			return err
		}
		if text == "" {
			text = fmt.Sprintf("ticket %s is identical in %s and %s\n", id, showAgainst, root)
		}
		_, err = io.WriteString(cmd.OutOrStdout(), text)
		return err
	}

	if current == nil {
		return fmt.Errorf("ticket %s in %s: %w", id, root, store.ErrNotFound)
	}
	return r.Render(current, func(w io.Writer) error {
		data, err := snapshot.CanonicalJSON(current)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	})
}

func readTicket(cmd *cobra.Command, s store.Store, root, id string) (map[string]any, error) {
	v, err := s.ReadSubtree(cmd.Context(), paths.JoinPath(root, domain.TicketPath(id)))
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}
