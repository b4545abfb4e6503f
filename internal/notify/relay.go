package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/fetchrelay/backend/internal/logger"
	"github.com/fetchrelay/backend/internal/queue"
)

// ProgressFeed provides the stream of job updates published by the queue.
type ProgressFeed interface {
	SubscribeAllProgress(ctx context.Context) *redis.PubSub
}

// Relay forwards queue progress events into the hub. Updates are published
// through Redis pub/sub, so a single relay covers jobs worked by any
// process sharing the queue.
type Relay struct {
	hub  *Hub
	feed ProgressFeed
	log  *logger.Logger
}

// NewRelay creates a relay between the queue's progress feed and the hub.
func NewRelay(hub *Hub, feed ProgressFeed, log *logger.Logger) *Relay {
	return &Relay{hub: hub, feed: feed, log: log}
}

// Run consumes the progress feed until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	pubsub := r.feed.SubscribeAllProgress(ctx)

	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()

	for msg := range pubsub.Channel() {
		var job queue.Job
		if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
			r.log.Warn(ctx, "dropped malformed progress event", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
			continue
		}
		r.hub.BroadcastProgress(messageFromJob(&job))
	}
}
