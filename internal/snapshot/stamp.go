package snapshot

import (
	"context"
	"fmt"

	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// ReadUpdateAt returns root's update marker, or "" when unset.
func ReadUpdateAt(ctx context.Context, s store.Store, root string) (string, error) {
	v, err := s.ReadSubtree(ctx, paths.JoinPath(root, domain.UpdateAtKey))
	if err != nil {
		return "", fmt.Errorf("failed to read update marker of %s: %w", root, err)
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return fmt.Sprint(t), nil
	}
}

// StampUpdateAt sets root's update marker.
func StampUpdateAt(ctx context.Context, s store.Store, root, marker string) error {
	if err := domain.ValidateRoot(root); err != nil {
		return err
	}
	if marker == "" {
		return fmt.Errorf("update marker cannot be empty")
	}
	if err := s.MultiUpdate(ctx, root, map[string]any{domain.UpdateAtKey: marker}); err != nil {
		return fmt.Errorf("failed to stamp %s: %w", root, err)
	}
	return nil
}
