package domain

import (
	"fmt"
	"time"

	"github.com/zyansaber/ticketsync/internal/paths"
)

// ValidateRoot validates a snapshot root name. Roots are single keys so
// that numbered backups ("<root>_1") stay siblings of the live root.
func ValidateRoot(root string) error {
	if root == "" {
		return fmt.Errorf("invalid root: cannot be empty")
	}
	if err := paths.ValidateKey(root); err != nil {
		return fmt.Errorf("invalid root: %w", err)
	}
	return nil
}

// ValidateRole validates a role context code.
func ValidateRole(role string) error {
	if role == "" {
		return fmt.Errorf("invalid role: cannot be empty")
	}
	if err := paths.ValidateKey(role); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}
	return nil
}

// NormalizeID sanitizes a raw identifier into a ticket key.
func NormalizeID(raw any) (string, error) {
	var s string
	switch v := raw.(type) {
	case nil:
		return "", ErrMissingID
	case string:
		s = v
	case float64:
		// Numeric ids arrive as floats from JSON; keep them integral.
		if v != float64(int64(v)) {
			return "", fmt.Errorf("%w: non-integral id %v", ErrMissingID, v)
		}
		s = fmt.Sprintf("%d", int64(v))
	default:
		s = fmt.Sprint(v)
	}
	id, err := paths.SanitizeKey(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingID, err)
	}
	return id, nil
}

// FormatUpdateAt renders an update marker: second precision, UTC, RFC 3339.
func FormatUpdateAt(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// LastFridayMidnight returns local midnight of the most recent Friday
// strictly before now's date.
func LastFridayMidnight(now time.Time) time.Time {
	days := (int(now.Weekday()) - int(time.Friday) + 7) % 7
	if days == 0 {
		days = 7
	}
	d := now.AddDate(0, 0, -days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, now.Location())
}

// FormatLocalUpdateAt renders a wall-clock marker without a zone, the form
// used for hand-set markers such as the last-Friday stamp.
func FormatLocalUpdateAt(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}
