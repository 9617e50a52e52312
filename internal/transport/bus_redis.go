package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"rtc-signaling/pkg/logger"
)

// RedisBus publishes each envelope on the owning server's channel
// "<topic>:<serverID>", so a process only receives its own traffic.
type RedisBus struct {
	rdb   redis.UniversalClient
	topic string
}

func NewRedisBus(rdb redis.UniversalClient, topic string) *RedisBus {
	return &RedisBus{rdb: rdb, topic: topic}
}

func (b *RedisBus) channel(serverID string) string { return b.topic + ":" + serverID }

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(env.ServerID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, serverID string) (<-chan Envelope, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(serverID))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Envelope, 100)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.From(ctx).Warn("bus envelope decode failed", "err", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
