package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notifier carries "work is waiting" nudges between processes sharing the
// data directory. Delivery is best-effort; polling still drives the queue.
type Notifier interface {
	Publish(ctx context.Context, queue string) error
	Subscribe(ctx context.Context, queue string) (<-chan struct{}, error)
}

// NopNotifier never delivers anything.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string) error { return nil }

func (NopNotifier) Subscribe(context.Context, string) (<-chan struct{}, error) {
	return nil, nil
}

// RedisNotifier publishes nudges on a redis pub/sub channel per queue.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier creates a notifier on client. Channels are named
// "<prefix>:queue:<name>"; an empty prefix defaults to "agencyscout".
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "agencyscout"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

func (n *RedisNotifier) channel(queue string) string {
	return fmt.Sprintf("%s:queue:%s", n.prefix, queue)
}

func (n *RedisNotifier) Publish(ctx context.Context, queue string) error {
	if err := n.client.Publish(ctx, n.channel(queue), "nudge").Err(); err != nil {
		return fmt.Errorf("publish nudge %s: %w", queue, err)
	}
	return nil
}

// Subscribe returns a channel that receives one value per nudge, coalescing
// bursts. It is closed when ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, queue string) (<-chan struct{}, error) {
	ps := n.client.Subscribe(ctx, n.channel(queue))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
