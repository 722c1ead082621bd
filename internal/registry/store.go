package registry

import (
	"context"
	"errors"
	"time"

	"github.com/kinakaase/signaling/internal/models"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Store is the shared, TTL-bounded key/value backing for room metadata and
// membership. Every operation must be atomic and safe under concurrent use
// from multiple relay processes; callers never take their own locks around it.
type Store interface {
	CreateRoom(ctx context.Context, room models.RoomMetadata, ttl time.Duration) error
	GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, roomID, code string) error
	// ResolveCode maps a short shareable code to a room ID.
	ResolveCode(ctx context.Context, code string) (string, error)

	// AddMember adds handle to the room's member set and refreshes the set's
	// TTL. It returns the membership count after the add; re-adding an
	// existing handle is a no-op that still reports the current count.
	AddMember(ctx context.Context, roomID, handle string, ttl time.Duration) (int64, error)
	RemoveMember(ctx context.Context, roomID, handle string) error
	// Members returns a snapshot of the member set. Eventually consistent
	// across server instances.
	Members(ctx context.Context, roomID string) ([]string, error)
	MemberCount(ctx context.Context, roomID string) (int64, error)
}
