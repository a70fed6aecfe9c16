package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/cli/appctx"
	"github.com/zyansaber/ticketsync/internal/domain"
)

// rootArg returns args[i] when present, otherwise the configured root.
func rootArg(app *appctx.App, args []string, i int) (string, error) {
	root := app.Config.Root
	if len(args) > i {
		root = args[i]
	}
	if err := domain.ValidateRoot(root); err != nil {
		return "", err
	}
	return root, nil
}

// confirm asks a yes/no question on the command's streams. Only "y" and
// "yes" count as consent.
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", prompt)
	return readYes(cmd.InOrStdin())
}

func readYes(r io.Reader) bool {
	line, _ := bufio.NewReader(r).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
