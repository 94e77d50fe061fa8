// Package presence tracks which viewers are watching a world, backed by
// Redis keys with a TTL.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tracker records viewer heartbeats and reports active viewer counts.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and returns a Tracker.
func New(url string, ttl time.Duration, logger *zap.Logger) (*Tracker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("Redis connected")
	return &Tracker{client: client, ttl: ttl, logger: logger}, nil
}

func key(worldID, viewerID string) string {
	return "presence:" + worldID + ":" + viewerID
}

// Touch refreshes the viewer's heartbeat.
func (t *Tracker) Touch(ctx context.Context, worldID, viewerID string) error {
	if err := t.client.Set(ctx, key(worldID, viewerID), "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// ActiveViewers counts viewers with a live heartbeat in the world.
func (t *Tracker) ActiveViewers(ctx context.Context, worldID string) (int, error) {
	var count int
	iter := t.client.Scan(ctx, 0, "presence:"+worldID+":*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("presence scan: %w", err)
	}
	return count, nil
}

// Close shuts down the Redis client.
func (t *Tracker) Close() error {
	return t.client.Close()
}
