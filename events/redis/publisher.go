package redisevents

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/entkit/events"
)

// Publisher publishes events to a redis pub/sub channel as JSON.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// NewPublisher constructs a Publisher. An empty channel defaults to
// "entkit:events".
func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "entkit:events"
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}
