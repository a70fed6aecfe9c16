// Package snapshot manages snapshot roots: loading their ticket maps,
// rotating the numbered backup chain, copying roots and stamping their
// update marker.
//
// A snapshot root holds a "tickets" map keyed by sanitized ticket id and an
// "updateat" marker. Backups of root R are siblings named R_1 .. R_N, R_1
// being the most recent.
package snapshot

import (
	"fmt"
)

// Tickets is a ticket map keyed by ticket id. Each value is the stored
// ticket object (base, roles, updatedAt).
type Tickets map[string]map[string]any

// Meta describes one side of a comparison.
type Meta struct {
	Root        string `json:"root"`
	UpdateAt    string `json:"updateat,omitempty"`
	TicketCount int    `json:"ticketCount"`
}

// Snapshot is a loaded root.
type Snapshot struct {
	Meta    Meta
	Tickets Tickets
}

// BackupName returns the name of backup i of root.
func BackupName(root string, i int) string {
	return fmt.Sprintf("%s_%d", root, i)
}

// ActionKind names a rotation step.
type ActionKind string

const (
	ActionEvict  ActionKind = "evict"
	ActionShift  ActionKind = "shift"
	ActionBackup ActionKind = "backup"
	ActionSkip   ActionKind = "skip"
)

// Action is one step taken by a rotation.
type Action struct {
	Kind ActionKind `json:"kind"`
	From string     `json:"from,omitempty"`
	To   string     `json:"to,omitempty"`
}

// RotateResult reports what a rotation did, in order.
type RotateResult struct {
	Root       string   `json:"root"`
	MaxBackups int      `json:"maxBackups"`
	Actions    []Action `json:"actions"`
}

// Count returns the number of actions of the given kind.
func (r *RotateResult) Count(kind ActionKind) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
