package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "ris:events:"

// RedisBus publishes events to one Redis stream per event type.
type RedisBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL. Streams are trimmed to roughly maxLen
// entries; zero keeps everything.
func NewRedisBus(ctx context.Context, redisURL string, maxLen int64, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// Stream returns the stream key events of typ are written to.
func Stream(typ string) string { return streamPrefix + typ }

// Publish appends e to its type's stream.
func (b *RedisBus) Publish(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: Stream(e.Type),
		Values: map[string]interface{}{
			"data":       string(data),
			"user_scope": e.UserScope,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", args.Stream, err)
	}

	b.logger.Debug("published event",
		zap.String("type", e.Type),
		zap.String("scope", e.UserScope),
		zap.String("id", e.ID))
	return nil
}

// Subscribe streams new events of typ until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, typ string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := Stream(typ)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read stream", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Event
					if json.Unmarshal([]byte(data), &e) != nil {
						continue
					}
					select {
					case ch <- &e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
