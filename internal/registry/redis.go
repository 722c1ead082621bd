package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Key scheme:
//
//	room:<id>        metadata JSON, expires with the room TTL
//	code:<code>      short code -> room ID
//	room:<id>:peers  SET of resident handles, TTL refreshed on every join
//
// An emptied peer set is left to expire rather than deleted, so a quick
// reconnect lands in the same room.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func roomKey(roomID string) string  { return "room:" + roomID }
func codeKey(code string) string    { return "code:" + code }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }

func (s *RedisStore) CreateRoom(ctx context.Context, room models.RoomMetadata, ttl time.Duration) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room metadata: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, ttl)
	pipe.Set(ctx, codeKey(room.Code), room.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error) {
	data, err := s.rdb.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("get room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("parse room metadata: %w", err)
	}
	return room, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID, code string) error {
	return s.rdb.Del(ctx, roomKey(roomID), codeKey(code), peersKey(roomID)).Err()
}

func (s *RedisStore) ResolveCode(ctx context.Context, code string) (string, error) {
	id, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == redis.Nil {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return id, nil
}

func (s *RedisStore) AddMember(ctx context.Context, roomID, handle string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), handle)
	pipe.Expire(ctx, peersKey(roomID), ttl)
	card := pipe.SCard(ctx, peersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add member: %w", err)
	}
	return card.Val(), nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, handle string) error {
	return s.rdb.SRem(ctx, peersKey(roomID), handle).Err()
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (s *RedisStore) MemberCount(ctx context.Context, roomID string) (int64, error) {
	return s.rdb.SCard(ctx, peersKey(roomID)).Result()
}
