package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zyansaber/ticketsync/internal/domain"
)

// CanonicalJSON produces a deterministic JSON encoding of v:
// - Keys sorted lexicographically
// - No insignificant whitespace
// - No HTML escaping
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	// Remove trailing newline added by Encode
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}

// ComputeRev computes the sha256 hash of canonical JSON bytes.
// Returns "sha256:<hex>" format.
func ComputeRev(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Fingerprint hashes the canonical form of tickets with every updatedAt
// removed. Two runs over the same source data yield the same fingerprint.
func Fingerprint(tickets Tickets) (string, error) {
	data, err := CanonicalJSON(buildOrderedTickets(tickets))
	if err != nil {
		return "", err
	}
	return ComputeRev(data), nil
}

// StripVolatile returns a copy of ticket without its server timestamp.
func StripVolatile(ticket map[string]any) map[string]any {
	out := make(map[string]any, len(ticket))
	for k, v := range ticket {
		if k == domain.UpdatedAtKey {
			continue
		}
		out[k] = v
	}
	return out
}

// orderedMap is a slice of key-value pairs that marshals as a JSON object
// with keys in the order they appear in the slice.
type orderedMap []keyValue

type keyValue struct {
	Key   string
	Value any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, kv := range om {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')

		valJSON, err := CanonicalJSON(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func buildOrderedTickets(tickets Tickets) orderedMap {
	ids := make([]string, 0, len(tickets))
	for id := range tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make(orderedMap, 0, len(ids))
	for _, id := range ids {
		result = append(result, keyValue{id, StripVolatile(tickets[id])})
	}
	return result
}
