// Package record turns flat source rows into ticket base fields and
// role fragments.
package record

import (
	"fmt"
	"math"
	"strings"

	"github.com/zyansaber/ticketsync/internal/domain"
)

// nullMarkers are string renderings of "no value" that upstream tooling
// emits in place of a real null.
var nullMarkers = map[string]bool{
	"nan":  true,
	"nat":  true,
	"none": true,
	"null": true,
}

// Splitter partitions source rows. The zero value treats every field as a
// base field and reads the identifier from "TicketID".
type Splitter struct {
	// IDField names the identifier column. Defaults to "TicketID".
	IDField string
	// RoleField names the column carrying the role context. When the row
	// has no value there, the role passed to Split is used.
	RoleField string
	// RoleFields are the role-varying columns.
	RoleFields []string
	// MetaFields are request metadata columns, dropped entirely.
	MetaFields []string
}

// Split is the result of splitting one row.
type Split struct {
	ID       string
	Role     string
	Base     map[string]any
	Fragment map[string]any
}

// DefaultIDField is the identifier column used when none is configured.
const DefaultIDField = "TicketID"

// Split partitions row. role is the context the row was fetched under.
// Rows without a usable identifier return domain.ErrMissingID.
func (s Splitter) Split(row map[string]any, role string) (Split, error) {
	idField := s.IDField
	if idField == "" {
		idField = DefaultIDField
	}

	id, err := domain.NormalizeID(Normalize(row[idField]))
	if err != nil {
		return Split{}, err
	}

	if s.RoleField != "" {
		if v, ok := Normalize(row[s.RoleField]).(string); ok && strings.TrimSpace(v) != "" {
			role = strings.TrimSpace(v)
		}
	}
	if err := domain.ValidateRole(role); err != nil {
		return Split{}, fmt.Errorf("ticket %s: %w", id, err)
	}

	roleSet := toSet(s.RoleFields)
	metaSet := toSet(s.MetaFields)

	out := Split{
		ID:       id,
		Role:     role,
		Base:     make(map[string]any, len(row)),
		Fragment: make(map[string]any, len(s.RoleFields)),
	}
	for k, v := range row {
		switch {
		case metaSet[k]:
		case roleSet[k]:
			out.Fragment[k] = Normalize(v)
		default:
			out.Base[k] = Normalize(v)
		}
	}
	return out, nil
}

// Record converts a split into a domain record of the role fragment.
func (sp Split) Record() domain.Record {
	return domain.Record{ID: sp.ID, Role: sp.Role, Fields: sp.Fragment}
}

// Normalize collapses empty and not-a-number markers to nil. Nested maps
// and lists are normalized element by element.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" || nullMarkers[strings.ToLower(trimmed)] {
			return nil
		}
		return t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
