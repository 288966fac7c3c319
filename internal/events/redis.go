package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reengagement-scheduler/internal/models"
)

// CompletionCache deletes per-user completion cache entries keyed
// "completion:<userID>_<courseID>".
type CompletionCache struct {
	client *redis.Client
	prefix string
}

// NewCompletionCache builds a cache invalidator on an existing client.
func NewCompletionCache(client *redis.Client) *CompletionCache {
	return &CompletionCache{client: client, prefix: "completion:"}
}

// Key returns the cache key for a user's completion data in a course.
func (c *CompletionCache) Key(userID, courseID int64) string {
	return fmt.Sprintf("%s%d_%d", c.prefix, userID, courseID)
}

// Invalidate drops the cached entry. A missing key is not an error.
func (c *CompletionCache) Invalidate(ctx context.Context, userID, courseID int64) error {
	if err := c.client.Del(ctx, c.Key(userID, courseID)).Err(); err != nil {
		return fmt.Errorf("invalidate completion cache: %w", err)
	}
	return nil
}

// Publisher announces completion changes on a Redis pub/sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher builds a publisher for channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "events:completion_updated"
	}
	return &Publisher{client: client, channel: channel}
}

// Channel returns the channel events are published on.
func (p *Publisher) Channel() string {
	return p.channel
}

// CompletionUpdated publishes ev as JSON.
func (p *Publisher) CompletionUpdated(ctx context.Context, ev models.CompletionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}
