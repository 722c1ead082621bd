package registry

import (
	"context"
	"time"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
)

// Registry tracks which handles are resident in which room. It is a thin
// coordinator over the Store: all state lives in the backing key/value store
// so any relay process can serve any connection.
type Registry struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger
}

func New(store Store, ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{store: store, ttl: ttl, log: log}
}

// Join adds handle to the room and returns the other resident handles plus
// the explicit negotiation role: the handle that finds the room empty is the
// initiator, everyone after is a follower and answers rather than offers.
// Joining twice is a no-op that reports the same result.
func (r *Registry) Join(ctx context.Context, roomID, handle string) ([]string, models.Role, error) {
	count, err := r.store.AddMember(ctx, roomID, handle, r.ttl)
	if err != nil {
		return nil, "", err
	}

	role := models.RoleFollower
	if count == 1 {
		role = models.RoleInitiator
	}

	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		return nil, "", err
	}

	peers := make([]string, 0, len(members))
	for _, m := range members {
		if m != handle {
			peers = append(peers, m)
		}
	}

	r.log.Debug().Str("room", roomID).Str("handle", handle).
		Str("role", string(role)).Int("peers", len(peers)).Msg("joined room")
	return peers, role, nil
}

// Leave removes handle from the room. The member set is not deleted when it
// empties; the store's TTL evicts it, which tolerates quick reconnects.
func (r *Registry) Leave(ctx context.Context, roomID, handle string) error {
	if err := r.store.RemoveMember(ctx, roomID, handle); err != nil {
		return err
	}
	r.log.Debug().Str("room", roomID).Str("handle", handle).Msg("left room")
	return nil
}

// Members returns a snapshot of the room's member set. Callers must treat the
// result as eventually consistent across server instances.
func (r *Registry) Members(ctx context.Context, roomID string) ([]string, error) {
	return r.store.Members(ctx, roomID)
}
