// internal/cache/events.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/redis/go-redis/v9"
)

// Publisher pushes lobby destroy events onto a Redis list for the historian.
type Publisher struct {
	rdb   *redis.Client
	queue string
}

func NewPublisher(rdb *redis.Client, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Publisher{rdb: rdb, queue: queue}
}

// PublishDestroy serializes ev to JSON and RPushes it.
func (p *Publisher) PublishDestroy(ctx context.Context, ev lobby.DestroyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal DestroyEvent: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

// ErrNoEvent is returned by Consumer.Next when the wait timed out.
var ErrNoEvent = errors.New("no event available")

// ErrMalformedEvent wraps payloads that are not valid DestroyEvent JSON. The
// payload has already been removed from the queue.
var ErrMalformedEvent = errors.New("malformed destroy event")

// Consumer pops destroy events in FIFO order.
type Consumer struct {
	rdb   *redis.Client
	queue string
}

func NewConsumer(rdb *redis.Client, queue string) *Consumer {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Consumer{rdb: rdb, queue: queue}
}

// Next blocks up to wait for the next event.
func (c *Consumer) Next(ctx context.Context, wait time.Duration) (lobby.DestroyEvent, error) {
	res, err := c.rdb.BLPop(ctx, wait, c.queue).Result()
	if errors.Is(err, redis.Nil) {
		return lobby.DestroyEvent{}, ErrNoEvent
	}
	if err != nil {
		return lobby.DestroyEvent{}, fmt.Errorf("BLPop %s: %w", c.queue, err)
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return lobby.DestroyEvent{}, ErrNoEvent
	}
	var ev lobby.DestroyEvent
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return lobby.DestroyEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}
