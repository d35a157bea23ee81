// Redis-backed publish sink for multi-pod deployments. Events published on
// pod 1 reach UI gateways subscribed on pod 2. If Redis is unreachable the
// caller falls back to the in-memory Bus in main.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes domain events over Redis Pub/Sub. Delivery is
// asynchronous and best-effort: a publish failure is logged, never
// propagated into the saga that triggered it.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBus connects to Redis and verifies connectivity.
func NewRedisBus(addr, password string, db int, channelPrefix string) (*RedisBus, error) {
	if channelPrefix == "" {
		channelPrefix = "torc:events:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis event sink connected", "addr", addr, "db", db)
	return &RedisBus{rdb: rdb, prefix: channelPrefix}, nil
}

// Emit implements Emitter. The publish runs detached so saga completion
// never waits on the sink.
func (b *RedisBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)
	go func() {
		payload, err := event.JSON()
		if err != nil {
			slog.Error("event marshal failed", "type", eventType, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.rdb.Publish(ctx, b.prefix+eventType, payload).Err(); err != nil {
			slog.Warn("event publish failed", "type", eventType, "error", err)
		}
	}()
}

// Subscribe registers a handler for one event type. Returns an unsubscribe
// function. Used by the socket gateway, not by the core itself.
func (b *RedisBus) Subscribe(ctx context.Context, eventType string, handler func(*Event)) func() {
	pubsub := b.rdb.Subscribe(ctx, b.prefix+eventType)
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("event decode failed", "channel", msg.Channel, "error", err)
					continue
				}
				handler(&ev)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		pubsub.Close()
	}
}

// Close shuts down the underlying redis client.
func (b *RedisBus) Close() error { return b.rdb.Close() }
