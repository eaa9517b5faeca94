package halt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel halts are broadcast on.
const DefaultChannel = "govledger:halt"

// RedisBroadcaster publishes halts over Redis pub/sub and applies halts
// published by other instances.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBroadcaster creates a broadcaster. Timeouts are kept short because
// the halt path has a hard latency budget; retries are disabled for the same reason.
func NewRedisBroadcaster(addr, password string, db int, channel string, logger *zap.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})
	return &RedisBroadcaster{client: rdb, channel: channel, logger: logger}
}

// Publish implements Broadcaster.
func (b *RedisBroadcaster) Publish(ctx context.Context, s Status) error {
	msg, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal halt status: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe listens for halts from other instances and applies them to c
// until ctx is cancelled.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, c *Circuit) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close() //nolint:errcheck

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("halt subscriber listening", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var s Status
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				b.logger.Warn("halt subscriber: bad message", zap.Error(err))
				continue
			}
			if s.Origin == c.InstanceID() {
				continue
			}
			c.ApplyRemote(s)
		}
	}
}

// Close releases the Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
