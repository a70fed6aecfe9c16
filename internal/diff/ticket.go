package diff

import (
	"encoding/json"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/zyansaber/ticketsync/internal/snapshot"
)

// TicketDiff returns a unified diff of one ticket's indented canonical
// JSON between two roots. The server timestamp is left out. An empty
// string means the two sides are identical.
func TicketDiff(id string, previous, current map[string]any, fromName, toName string) (string, error) {
	a, err := ticketLines(previous)
	if err != nil {
		return "", err
	}
	b, err := ticketLines(current)
	if err != nil {
		return "", err
	}

	ud := difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: fmt.Sprintf("%s/tickets/%s", fromName, id),
		ToFile:   fmt.Sprintf("%s/tickets/%s", toName, id),
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func ticketLines(ticket map[string]any) ([]string, error) {
	if ticket == nil {
		return nil, nil
	}
	data, err := json.MarshalIndent(snapshot.StripVolatile(ticket), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}
	return difflib.SplitLines(string(data) + "\n"), nil
}
