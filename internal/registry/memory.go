package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kinakaase/signaling/internal/models"
)

// MemoryStore implements Store in process memory. It mirrors the Redis
// semantics, including TTL-based eviction of idle member sets, and exists for
// tests and single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]memoryRoom
	codes map[string]string
	peers map[string]*memoryPeers
	now   func() time.Time
}

type memoryRoom struct {
	meta      models.RoomMetadata
	expiresAt time.Time
}

type memoryPeers struct {
	handles   map[string]struct{}
	order     []string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]memoryRoom),
		codes: make(map[string]string),
		peers: make(map[string]*memoryPeers),
		now:   time.Now,
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room models.RoomMetadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = memoryRoom{meta: room, expiresAt: s.now().Add(ttl)}
	s.codes[room.Code] = room.ID
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (models.RoomMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || s.now().After(room.expiresAt) {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	return room.meta, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.codes, code)
	delete(s.peers, roomID)
	return nil
}

func (s *MemoryStore) ResolveCode(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return "", ErrRoomNotFound
	}
	return id, nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, handle string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(roomID)
	if set == nil {
		set = &memoryPeers{handles: make(map[string]struct{})}
		s.peers[roomID] = set
	}
	if _, exists := set.handles[handle]; !exists {
		set.handles[handle] = struct{}{}
		set.order = append(set.order, handle)
	}
	set.expiresAt = s.now().Add(ttl)
	return int64(len(set.handles)), nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(roomID)
	if set == nil {
		return nil
	}
	if _, exists := set.handles[handle]; exists {
		delete(set.handles, handle)
		for i, h := range set.order {
			if h == handle {
				set.order = append(set.order[:i], set.order[i+1:]...)
				break
			}
		}
	}
	// An emptied set stays resident until its TTL runs out.
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(roomID)
	if set == nil {
		return nil, nil
	}
	members := make([]string, len(set.order))
	copy(members, set.order)
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) MemberCount(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(roomID)
	if set == nil {
		return 0, nil
	}
	return int64(len(set.handles)), nil
}

// liveSet returns the member set for roomID, evicting it first if its TTL has
// lapsed. Callers must hold s.mu.
func (s *MemoryStore) liveSet(roomID string) *memoryPeers {
	set, ok := s.peers[roomID]
	if !ok {
		return nil
	}
	if s.now().After(set.expiresAt) {
		delete(s.peers, roomID)
		return nil
	}
	return set
}
