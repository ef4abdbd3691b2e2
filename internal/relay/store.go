package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomStore keeps room membership outside the hub so several relays (or a
// dashboard) can see who is in a room.
type RoomStore interface {
	AddPeer(ctx context.Context, room, uid string) error
	RemovePeer(ctx context.Context, room, uid string) error
	Peers(ctx context.Context, room string) ([]string, error)
	Close() error
}

// MemoryStore is the single-process RoomStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: map[string]map[string]struct{}{}}
}

func (m *MemoryStore) AddPeer(_ context.Context, room, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers, ok := m.rooms[room]
	if !ok {
		peers = map[string]struct{}{}
		m.rooms[room] = peers
	}
	peers[uid] = struct{}{}
	return nil
}

func (m *MemoryStore) RemovePeer(_ context.Context, room, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peers, ok := m.rooms[room]; ok {
		delete(peers, uid)
		if len(peers) == 0 {
			delete(m.rooms, room)
		}
	}
	return nil
}

func (m *MemoryStore) Peers(_ context.Context, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms[room]))
	for uid := range m.rooms[room] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// roomTTL bounds how long a crashed relay's membership lingers in Redis.
const roomTTL = 24 * time.Hour

// RedisStore keeps membership in one set per room.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and pings it.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func roomKey(room string) string { return "room:" + room + ":peers" }

func (r *RedisStore) AddPeer(ctx context.Context, room, uid string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, roomKey(room), uid)
	pipe.Expire(ctx, roomKey(room), roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add %s to room %s: %w", uid, room, err)
	}
	return nil
}

func (r *RedisStore) RemovePeer(ctx context.Context, room, uid string) error {
	if err := r.client.SRem(ctx, roomKey(room), uid).Err(); err != nil {
		return fmt.Errorf("remove %s from room %s: %w", uid, room, err)
	}
	return nil
}

func (r *RedisStore) Peers(ctx context.Context, room string) ([]string, error) {
	peers, err := r.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list room %s: %w", room, err)
	}
	sort.Strings(peers)
	return peers, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
