package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zyansaber/ticketsync/internal/snapshot"
)

// Summary is the aggregate report of field transitions between two
// snapshots. Its JSON form is the daily progress record.
type Summary struct {
	CreatedOnCountCurrent   int             `json:"createdOnCountCurrent"`
	CreatedOnCountPrevious  int             `json:"createdOnCountPrevious"`
	CreatedOnCountDelta     int             `json:"createdOnCountDelta"`
	TicketStatusChanges     []Transition    `json:"ticketStatusChanges"`
	TicketStatusTextChanges []Transition    `json:"ticketStatusTextChanges"`
	ChangedTickets          []ChangedTicket `json:"changedTickets"`

	Current          snapshot.Meta `json:"current"`
	Previous         snapshot.Meta `json:"previous"`
	CurrentUpdateAt  string        `json:"currentUpdateAt,omitempty"`
	PreviousUpdateAt string        `json:"previousUpdateAt,omitempty"`
	RunID            string        `json:"runId,omitempty"`
}

// Transition counts tickets whose field moved From -> To. Nil stands for
// an absent value, including a ticket missing from one side.
type Transition struct {
	From         any      `json:"from"`
	To           any      `json:"to"`
	Count        int      `json:"count"`
	DisplayNames []string `json:"role40InvolvedPartyNames"`
}

// Label renders the transition as "prev->curr".
func (t Transition) Label() string {
	return label(t.From) + "->" + label(t.To)
}

// ChangedTicket is one ticket whose status or status text changed.
type ChangedTicket struct {
	TicketID                 string `json:"TicketID"`
	PreviousTicketStatus     any    `json:"PreviousTicketStatus"`
	TicketStatus             any    `json:"TicketStatus"`
	PreviousTicketStatusText any    `json:"PreviousTicketStatusText"`
	TicketStatusText         any    `json:"TicketStatusText"`
	Role40InvolvedPartyName  any    `json:"Role40InvolvedPartyName"`
}

// Options configures a comparison.
type Options struct {
	Fields Fields
}

// Engine compares ticket maps with a fixed field selection.
type Engine struct {
	fields *compiled
}

// New compiles the field expressions.
func New(opts Options) (*Engine, error) {
	c, err := compile(opts.Fields)
	if err != nil {
		return nil, err
	}
	return &Engine{fields: c}, nil
}

// Compare is a one-shot helper around New and Engine.Compare.
func Compare(current, previous snapshot.Tickets, opts Options) (*Summary, error) {
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	return e.Compare(current, previous), nil
}

// CompareSnapshots compares two loaded roots and fills in their metadata.
func (e *Engine) CompareSnapshots(current, previous *snapshot.Snapshot) *Summary {
	s := e.Compare(current.Tickets, previous.Tickets)
	s.Current = current.Meta
	s.Previous = previous.Meta
	s.CurrentUpdateAt = current.Meta.UpdateAt
	s.PreviousUpdateAt = previous.Meta.UpdateAt
	return s
}

type pairKey struct {
	from, to string
}

type group struct {
	from, to any
	count    int
	names    map[string]struct{}
}

type groups map[pairKey]*group

func (g groups) add(from, to, name any) {
	k := pairKey{valueKey(from), valueKey(to)}
	gr, ok := g[k]
	if !ok {
		gr = &group{from: from, to: to, names: make(map[string]struct{})}
		g[k] = gr
	}
	gr.count++
	if s := label(name); s != "" {
		gr.names[s] = struct{}{}
	}
}

func (g groups) sorted() []Transition {
	out := make([]Transition, 0, len(g))
	for _, gr := range g {
		names := make([]string, 0, len(gr.names))
		for n := range gr.names {
			names = append(names, n)
		}
		sort.Strings(names)
		out = append(out, Transition{From: gr.from, To: gr.to, Count: gr.count, DisplayNames: names})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if li, lj := out[i].Label(), out[j].Label(); li != lj {
			return li < lj
		}
		// "1" and 1, or nil and "", share a label but not a key.
		if fi, fj := valueKey(out[i].From), valueKey(out[j].From); fi != fj {
			return fi < fj
		}
		return valueKey(out[i].To) < valueKey(out[j].To)
	})
	return out
}

// Compare walks the union of ticket ids. A ticket present on one side only
// moves from or to an absent value.
func (e *Engine) Compare(current, previous snapshot.Tickets) *Summary {
	s := &Summary{
		TicketStatusChanges:     []Transition{},
		TicketStatusTextChanges: []Transition{},
		ChangedTickets:          []ChangedTicket{},
		Current:                 snapshot.Meta{TicketCount: len(current)},
		Previous:                snapshot.Meta{TicketCount: len(previous)},
	}

	for _, t := range current {
		if truthy(lookup(e.fields.created, prepare(t))) {
			s.CreatedOnCountCurrent++
		}
	}
	for _, t := range previous {
		if truthy(lookup(e.fields.created, prepare(t))) {
			s.CreatedOnCountPrevious++
		}
	}
	s.CreatedOnCountDelta = s.CreatedOnCountCurrent - s.CreatedOnCountPrevious

	status := groups{}
	statusText := groups{}
	for _, id := range unionIDs(current, previous) {
		curr, prev := prepare(current[id]), prepare(previous[id])

		currStatus, prevStatus := lookup(e.fields.status, curr), lookup(e.fields.status, prev)
		currText, prevText := lookup(e.fields.statusText, curr), lookup(e.fields.statusText, prev)
		statusMoved := valueKey(currStatus) != valueKey(prevStatus)
		textMoved := valueKey(currText) != valueKey(prevText)
		if !statusMoved && !textMoved {
			continue
		}

		name := lookup(e.fields.displayName, curr)
		if name == nil {
			name = lookup(e.fields.displayName, prev)
		}
		if statusMoved {
			status.add(prevStatus, currStatus, name)
		}
		if textMoved {
			statusText.add(prevText, currText, name)
		}
		s.ChangedTickets = append(s.ChangedTickets, ChangedTicket{
			TicketID:                 id,
			PreviousTicketStatus:     prevStatus,
			TicketStatus:             currStatus,
			PreviousTicketStatusText: prevText,
			TicketStatusText:         currText,
			Role40InvolvedPartyName:  name,
		})
	}

	s.TicketStatusChanges = status.sorted()
	s.TicketStatusTextChanges = statusText.sorted()
	return s
}

func unionIDs(a, b snapshot.Tickets) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for id := range a {
		seen[id] = struct{}{}
	}
	for id := range b {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// valueKey identifies a value for equality: strings and numbers that print
// alike stay distinct.
func valueKey(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

func label(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}
