package snapshot

import (
	"context"
	"fmt"

	"github.com/zyansaber/ticketsync/internal/domain"
	"github.com/zyansaber/ticketsync/internal/paths"
	"github.com/zyansaber/ticketsync/internal/store"
)

// NormalizeTickets converts a stored tickets value into a Tickets map.
// The store may return the map as a sparse list when every id is a small
// integer; both shapes normalize to the same id-keyed map. Entries that
// are not objects are dropped.
func NormalizeTickets(v any) Tickets {
	raw := store.AsMap(v)
	out := make(Tickets, len(raw))
	for id, t := range raw {
		if m, ok := t.(map[string]any); ok {
			out[id] = m
		}
	}
	return out
}

// Load reads root's tickets and update marker.
func Load(ctx context.Context, s store.Store, root string) (*Snapshot, error) {
	if err := domain.ValidateRoot(root); err != nil {
		return nil, err
	}

	v, err := s.ReadSubtree(ctx, paths.JoinPath(root, domain.TicketsKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read tickets of %s: %w", root, err)
	}
	tickets := NormalizeTickets(v)

	marker, err := ReadUpdateAt(ctx, s, root)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Meta: Meta{
			Root:        root,
			UpdateAt:    marker,
			TicketCount: len(tickets),
		},
		Tickets: tickets,
	}, nil
}

// Exists reports whether anything is stored at root.
func Exists(ctx context.Context, s store.Store, root string) (bool, error) {
	listing, err := s.ShallowList(ctx, root)
	if err != nil {
		return false, fmt.Errorf("failed to list %s: %w", root, err)
	}
	return listing.Exists, nil
}

// TicketIDs lists the ticket ids stored under root without reading values.
func TicketIDs(ctx context.Context, s store.Store, root string) ([]string, error) {
	listing, err := s.ShallowList(ctx, paths.JoinPath(root, domain.TicketsKey))
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets of %s: %w", root, err)
	}
	if listing.Leaf {
		return nil, nil
	}
	return listing.Keys, nil
}
