// Package domain holds the ticket model shared by the sync engine, the
// snapshot tooling and the diff engine.
package domain

import (
	"errors"
	"fmt"

	"github.com/zyansaber/ticketsync/internal/paths"
)

// Layout keys under a snapshot root.
const (
	TicketsKey   = "tickets"
	UpdateAtKey  = "updateat"
	BaseKey      = "base"
	RolesKey     = "roles"
	UpdatedAtKey = "updatedAt"
)

// ErrMissingID marks a source row without a usable ticket identifier.
// Such rows are skipped, not fatal.
var ErrMissingID = errors.New("record has no ticket identifier")

// Record is one upstream observation of a ticket under one role context.
type Record struct {
	ID     string
	Role   string
	Fields map[string]any
}

// Ticket is the stored form of one ticket.
type Ticket struct {
	Base      map[string]any            `json:"base,omitempty"`
	Roles     map[string]map[string]any `json:"roles,omitempty"`
	UpdatedAt any                       `json:"updatedAt,omitempty"`
}

// TicketFromValue decodes a stored ticket. Anything that is not a map yields
// an empty ticket; role fragments that are not maps are dropped.
func TicketFromValue(v any) Ticket {
	m, ok := v.(map[string]any)
	if !ok {
		return Ticket{}
	}
	t := Ticket{UpdatedAt: m[UpdatedAtKey]}
	if base, ok := m[BaseKey].(map[string]any); ok {
		t.Base = base
	}
	switch roles := m[RolesKey].(type) {
	case map[string]any:
		t.Roles = make(map[string]map[string]any, len(roles))
		for role, frag := range roles {
			if fm, ok := frag.(map[string]any); ok {
				t.Roles[role] = fm
			}
		}
	case []any:
		// Numeric role codes come back as a sparse list.
		t.Roles = make(map[string]map[string]any, len(roles))
		for i, frag := range roles {
			if fm, ok := frag.(map[string]any); ok {
				t.Roles[fmt.Sprint(i)] = fm
			}
		}
	}
	return t
}

// TicketPath returns "tickets/<id>".
func TicketPath(id string) string {
	return paths.JoinPath(TicketsKey, id)
}

// BasePath returns "tickets/<id>/base".
func BasePath(id string) string {
	return paths.JoinPath(TicketsKey, id, BaseKey)
}

// RolePath returns "tickets/<id>/roles/<role>".
func RolePath(id, role string) string {
	return paths.JoinPath(TicketsKey, id, RolesKey, role)
}

// UpdatedAtPath returns "tickets/<id>/updatedAt".
func UpdatedAtPath(id string) string {
	return paths.JoinPath(TicketsKey, id, UpdatedAtKey)
}
