package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes tunnel metadata to Redis under TTL'd keys so a fleet
// of relay instances can share one dashboard. Routing stays local: a control
// connection is only usable by the instance that accepted it, so only
// metadata crosses instances.
type RedisMirror struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	mu    sync.Mutex
	local map[string]Snapshot // tunnels owned by this instance, for heartbeat refresh
}

func NewRedisMirror(addr, password string, db int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisMirror{
		client:     rdb,
		instanceID: fmt.Sprintf("burrow-%d", time.Now().UnixNano()),
		keyTTL:     2 * time.Minute,
		local:      make(map[string]Snapshot),
	}, nil
}

var _ Mirror = (*RedisMirror)(nil)

type mirroredTunnel struct {
	Snapshot
	Instance string `json:"instance"`
}

func (m *RedisMirror) Publish(s Snapshot) {
	m.mu.Lock()
	m.local[s.ID] = s
	m.mu.Unlock()
	m.write(s)
}

func (m *RedisMirror) write(s Snapshot) {
	data, err := json.Marshal(mirroredTunnel{Snapshot: s, Instance: m.instanceID})
	if err != nil {
		obs.Error("redis.mirror.marshal", obs.Fields{"err": err.Error(), "id": s.ID})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.client.Set(ctx, "tunnel:"+s.ID, data, m.keyTTL).Err(); err != nil {
		obs.Error("redis.mirror.set", obs.Fields{"err": err.Error(), "id": s.ID})
	}
}

func (m *RedisMirror) Remove(id string) {
	m.mu.Lock()
	delete(m.local, id)
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, "tunnel:"+id).Err(); err != nil {
		obs.Error("redis.mirror.del", obs.Fields{"err": err.Error(), "id": id})
	}
}

// Heartbeat periodically refreshes this instance's keys, picking up current
// request counts from reg. Run in its own goroutine; returns on ctx done.
func (m *RedisMirror) Heartbeat(ctx context.Context, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range reg.List() {
				m.Publish(s)
			}
		}
	}
}

// FleetTunnels lists mirrored tunnels across all instances.
func (m *RedisMirror) FleetTunnels(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	iter := m.client.Scan(ctx, 0, "tunnel:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err != redis.Nil {
				obs.Error("redis.mirror.get", obs.Fields{"err": err.Error(), "key": iter.Val()})
			}
			continue
		}
		var mt mirroredTunnel
		if err := json.Unmarshal([]byte(val), &mt); err != nil {
			obs.Error("redis.mirror.unmarshal", obs.Fields{"err": err.Error(), "key": iter.Val()})
			continue
		}
		out = append(out, mt.Snapshot)
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}
