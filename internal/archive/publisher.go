package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher pushes finished rounds onto a Redis list.
type Publisher struct {
	rdb   *redis.Client
	queue string
}

// NewPublisher creates a publisher for queue, or DefaultQueueName if empty.
func NewPublisher(rdb *redis.Client, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Publisher{rdb: rdb, queue: queue}
}

// PublishRound serializes the record to JSON, then pushes it to the queue.
// This does not block the caller beyond a quick network send.
func (p *Publisher) PublishRound(ctx context.Context, rec RoundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal RoundRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}
