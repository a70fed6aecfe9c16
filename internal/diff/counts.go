package diff

import (
	"sort"

	"github.com/ohler55/ojg/jp"

	"github.com/zyansaber/ticketsync/internal/snapshot"
)

// DefaultStatuses is the status text set counted by default.
var DefaultStatuses = []string{
	"Awaiting Parts",
	"Claim Assessment",
	"Evidence Requested",
	"New Claim",
	"Quote Validation",
	"Suspended Claim",
}

// StatusCount is the number of tickets carrying one status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Counts tallies tickets by status.
type Counts struct {
	Root     string        `json:"root,omitempty"`
	Statuses []StatusCount `json:"statuses"`
	Total    int           `json:"total"`
	// Other counts tickets whose status is outside the tracked set.
	Other int `json:"other"`
}

// CountStatuses counts tickets whose value at path is one of statuses.
// An empty statuses list counts every distinct value seen. Results are
// sorted by status.
func CountStatuses(tickets snapshot.Tickets, path string, statuses []string) (*Counts, error) {
	if path == "" {
		path = DefaultFields().StatusText
	}
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, err
	}

	tally := make(map[string]int, len(statuses))
	for _, s := range statuses {
		tally[s] = 0
	}
	open := len(statuses) == 0

	c := &Counts{}
	for _, t := range tickets {
		v := label(lookup(x, prepare(t)))
		if _, ok := tally[v]; ok || (open && v != "") {
			tally[v]++
			c.Total++
			continue
		}
		c.Other++
	}

	keys := make([]string, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Statuses = append(c.Statuses, StatusCount{Status: k, Count: tally[k]})
	}
	return c, nil
}
