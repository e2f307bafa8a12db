package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantora/strategyworker/internal/domain"
)

// streamMaxLen is the approximate maximum length for the task queue stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// streamBlock is how long one StreamRead blocks waiting for new work before
// returning empty, letting the consumer loop observe its context.
const streamBlock = 2 * time.Second

// TaskBus implements domain.TaskBus: Pub/Sub for task status frames and a
// Redis Stream as the durable task queue.
type TaskBus struct {
	rdb *redis.Client
}

// NewTaskBus creates a TaskBus backed by the given Client.
func NewTaskBus(c *Client) *TaskBus {
	return &TaskBus{rdb: c.Underlying()}
}

var _ domain.TaskBus = (*TaskBus)(nil)

// Publish sends a raw payload to a Pub/Sub channel and returns the number of
// subscribers that received it. Callers use a zero count to detect an
// abandoned status channel.
func (b *TaskBus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := b.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return n, nil
}

// StreamAppend appends a payload to the task queue stream using XADD with an
// approximate MAXLEN for automatic trimming.
func (b *TaskBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from the stream after lastID,
// blocking briefly when the stream is empty. Use "0" to read from the
// beginning or "$" to read only new messages. It returns an empty slice
// (not an error) when nothing arrives within the block window.
func (b *TaskBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   streamBlock,
	}

	results, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			messages = append(messages, domain.StreamMessage{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}

	return messages, nil
}
