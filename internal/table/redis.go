package table

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tripsy/dashboard/model"
)

// RedisPersister is a Redis-backed Persister. Keys have the form
// "dashboard:{scope}:{storage name}".
type RedisPersister struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisPersister creates a RedisPersister. A zero ttl stores keys
// without expiry.
func NewRedisPersister(client redis.Cmdable, ttl time.Duration) *RedisPersister {
	return &RedisPersister{client: client, ttl: ttl}
}

// Load reads and decodes the stored state.
func (p *RedisPersister) Load(ctx context.Context, scope, name string) (model.PersistedTableState, bool, error) {
	key := redisKey(scope, name)
	data, err := p.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.PersistedTableState{}, false, nil
	}
	if err != nil {
		return model.PersistedTableState{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var state model.PersistedTableState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.PersistedTableState{}, false, fmt.Errorf("unmarshal table state: %w", err)
	}
	return state, true, nil
}

// Save encodes and stores the state, refreshing its TTL.
func (p *RedisPersister) Save(ctx context.Context, scope, name string, state model.PersistedTableState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal table state: %w", err)
	}
	key := redisKey(scope, name)
	if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes the stored state.
func (p *RedisPersister) Delete(ctx context.Context, scope, name string) error {
	key := redisKey(scope, name)
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Driver implements Persister.
func (p *RedisPersister) Driver() string { return "redis" }

// HealthCheck pings the server.
func (p *RedisPersister) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func redisKey(scope, name string) string {
	return fmt.Sprintf("dashboard:%s:%s", scope, name)
}
