// Package batch stages per-ticket writes and decides when to flush them.
package batch

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EstimateSize returns the encoded size of updates in the store's wire
// format.
func EstimateSize(updates map[string]any) int {
	if data, err := json.Marshal(updates); err == nil {
		return len(data)
	}
	n := 2
	for k, v := range updates {
		n += EstimateEntry(k, v) + 1
	}
	return n
}

// EstimateEntry returns the encoded size of one "path":value member.
// Values JSON cannot encode count as their quoted %v rendering.
func EstimateEntry(path string, value any) int {
	n := len(strconv.Quote(path)) + 1
	if data, err := json.Marshal(value); err == nil {
		return n + len(data)
	}
	return n + len(strconv.Quote(fmt.Sprint(value)))
}
