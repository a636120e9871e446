package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"billing-pipeline/internal/config"
)

// RedisNotifier carries job ids over Redis pub/sub. go-redis resubscribes
// after connection loss on its own.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	listening atomic.Bool
	mu        sync.Mutex
	sub       *redis.PubSub
	done      chan struct{}
}

// NewRedisNotifier builds a client from config.
func NewRedisNotifier(cfg config.Config, logger *zap.Logger) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisNotifierWithClient(client, cfg.NotifyChannel, logger)
}

func NewRedisNotifierWithClient(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Listen(ctx context.Context) (<-chan string, error) {
	if !n.listening.CompareAndSwap(false, true) {
		return nil, errors.New("queue: listener already running")
	}
	sub := n.client.Subscribe(ctx, n.channel)
	// Receive blocks until the subscription is confirmed or fails.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		n.listening.Store(false)
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	out := make(chan string, 64)
	done := make(chan struct{})
	n.mu.Lock()
	n.sub = sub
	n.done = done
	n.mu.Unlock()

	go func() {
		defer func() {
			close(out)
			close(done)
			n.listening.Store(false)
		}()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				send(out, msg.Payload)
			}
		}
	}()
	return out, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, jobID string) error {
	if err := n.client.Publish(ctx, n.channel, jobID).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}

// Close unsubscribes, waits for the listener and closes the client.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	sub, done := n.sub, n.done
	n.sub = nil
	n.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe(context.Background(), n.channel)
		_ = sub.Close()
		<-done
	}
	return n.client.Close()
}
