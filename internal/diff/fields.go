// Package diff compares the ticket maps of two snapshot roots and
// summarizes how tracked fields moved between them.
package diff

import (
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/store"
)

// Fields holds the JSONPath expressions, evaluated against one ticket
// object, that select the compared values.
type Fields struct {
	Status      string `yaml:"status" json:"status"`
	StatusText  string `yaml:"status_text" json:"statusText"`
	Created     string `yaml:"created" json:"created"`
	DisplayName string `yaml:"display_name" json:"displayName"`
}

// DefaultFields returns the stock field selection.
func DefaultFields() Fields {
	return Fields{
		Status:      "$.base.TicketStatus",
		StatusText:  "$.base.TicketStatusText",
		Created:     "$.base.CreatedOn",
		DisplayName: "$.roles['40'].InvolvedPartyName",
	}
}

func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.Status == "" {
		f.Status = d.Status
	}
	if f.StatusText == "" {
		f.StatusText = d.StatusText
	}
	if f.Created == "" {
		f.Created = d.Created
	}
	if f.DisplayName == "" {
		f.DisplayName = d.DisplayName
	}
	return f
}

type compiled struct {
	status      jp.Expr
	statusText  jp.Expr
	created     jp.Expr
	displayName jp.Expr
}

func compile(f Fields) (*compiled, error) {
	f = f.withDefaults()
	var c compiled
	for _, item := range []struct {
		name string
		src  string
		dst  *jp.Expr
	}{
		{"status", f.Status, &c.status},
		{"status text", f.StatusText, &c.statusText},
		{"created", f.Created, &c.created},
		{"display name", f.DisplayName, &c.displayName},
	} {
		x, err := jp.ParseString(item.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s jsonpath '%s': %w", item.name, item.src, err)
		}
		*item.dst = x
	}
	return &c, nil
}

// ValidateFields checks that every expression parses.
func ValidateFields(f Fields) error {
	_, err := compile(f)
	return err
}

// lookup evaluates x against ticket. Missing tickets and missing values
// both yield nil.
func lookup(x jp.Expr, ticket map[string]any) any {
	if ticket == nil {
		return nil
	}
	return x.First(ticket)
}

// prepare returns ticket with its roles container normalized to a map so
// that role codes address the same fragment whichever shape was stored.
func prepare(ticket map[string]any) map[string]any {
	if ticket == nil {
		return nil
	}
	roles, ok := ticket[domain.RolesKey].([]any)
	if !ok {
		return ticket
	}
	out := make(map[string]any, len(ticket))
	for k, v := range ticket {
		out[k] = v
	}
	out[domain.RolesKey] = store.AsMap(roles)
	return out
}
