package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// DefaultRedisChannel carries submission events between API nodes.
const DefaultRedisChannel = "dojo:submission_events"

// RedisFanout shares submission events across processes through Redis
// pub/sub so an SSE stream can be served by any node.
type RedisFanout struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisFanout connects to addr and verifies the server is reachable.
func NewRedisFanout(ctx context.Context, addr, channel string) (*RedisFanout, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisFanout{
		rdb:     rdb,
		channel: channel,
		logger:  slog.Default().With("component", "notify.RedisFanout"),
	}, nil
}

// Publish sends event to every subscribed node.
func (f *RedisFanout) Publish(ctx context.Context, event domain.SubmissionEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, raw).Err()
}

// Forward subscribes to the channel and hands each event to onEvent until
// ctx is cancelled. It returns once the subscription is confirmed.
func (f *RedisFanout) Forward(ctx context.Context, onEvent func(domain.SubmissionEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var event domain.SubmissionEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					f.logger.Warn("bad submission event payload", "error", err)
					continue
				}
				onEvent(event)
			}
		}
	}()
	return nil
}

// Ping checks connectivity.
func (f *RedisFanout) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (f *RedisFanout) Close() error {
	return f.rdb.Close()
}
