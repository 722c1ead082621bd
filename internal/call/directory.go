package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Connection is a directory entry linking two users who may call each other.
// The directory itself is owned by the main API; this core only reads it.
type Connection struct {
	ID    int64  `json:"id"`
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

// Peer returns the other end of the connection relative to username.
func (c Connection) Peer(username string) (string, bool) {
	switch username {
	case c.UserA:
		return c.UserB, true
	case c.UserB:
		return c.UserA, true
	}
	return "", false
}

// Directory resolves a connection ID to the identities on both ends.
type Directory interface {
	Resolve(ctx context.Context, connectionID int64) (Connection, error)
}

// RedisDirectory reads connection entries the main API maintains under
// connection:<id>.
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func (d *RedisDirectory) Resolve(ctx context.Context, connectionID int64) (Connection, error) {
	data, err := d.rdb.Get(ctx, "connection:"+strconv.FormatInt(connectionID, 10)).Result()
	if err == redis.Nil {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("resolve connection: %w", err)
	}

	var conn Connection
	if err := json.Unmarshal([]byte(data), &conn); err != nil {
		return Connection{}, fmt.Errorf("parse connection entry: %w", err)
	}
	return conn, nil
}

// StaticDirectory serves a fixed set of connections, for tests and local
// development without the main API.
type StaticDirectory map[int64]Connection

func (d StaticDirectory) Resolve(_ context.Context, connectionID int64) (Connection, error) {
	conn, ok := d[connectionID]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return conn, nil
}
