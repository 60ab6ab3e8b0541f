package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"psync/internal/psync"
)

const (
	// redisStreamMaxLen bounds each channel stream; entries past it are
	// trimmed, which is why a reconnecting reader that lost its place must
	// signal resync rather than resume silently.
	redisStreamMaxLen = 8192

	redisPublishAttempts = 3
	redisReadBlock       = 5 * time.Second
)

// Redis is a durable-log broadcast backend on Redis Streams. Each channel is
// one stream: publishes XADD to it and every subscription runs a blocking
// XREAD loop with its own cursor, so all current subscribers see every entry
// in stream order.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(ctx context.Context, opts *redis.Options, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	return &Redis{client: client, logger: logger.Named("redis-transport")}, nil
}

// Publish implements psync.Transport.Publish via XADD with approximate
// trimming. Bounded retries, then ErrTransportUnavailable.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: channel,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}

	var backoff psync.Backoff
	var lastErr error
	for attempt := 0; attempt < redisPublishAttempts; attempt++ {
		if lastErr = r.client.XAdd(ctx, args).Err(); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if err := psync.Wait(ctx, backoff.Next()); err != nil {
			return err
		}
	}

	return fmt.Errorf("publish to stream %s failed: %v: %w", channel, lastErr, psync.ErrTransportUnavailable)
}

// Subscribe implements psync.Transport.Subscribe. The reader goroutine keeps
// a per-stream cursor; read failures reconnect with backoff and reset the
// cursors to the stream tail, signalling resync because entries may have been
// trimmed in the meantime.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (psync.Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe requires at least one channel")
	}

	sub := newStreamSubscription()

	go r.readLoop(ctx, sub, channels)

	return sub, nil
}

func (r *Redis) readLoop(ctx context.Context, sub *streamSubscription, channels []string) {
	defer sub.finish()

	cursors := make(map[string]string, len(channels))
	for _, c := range channels {
		cursors[c] = "$"
	}

	var backoff psync.Backoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		default:
		}

		streams := make([]string, 0, 2*len(channels))
		for _, c := range channels {
			streams = append(streams, c)
		}
		for _, c := range channels {
			streams = append(streams, cursors[c])
		}

		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: streams,
			Block:   redisReadBlock,
		}).Result()
		switch {
		case err == nil:
			backoff.Reset()
		case errors.Is(err, redis.Nil):
			// Block timeout with nothing to read.
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			r.logger.Warn("stream read failed, reconnecting", zap.Error(err))
			sub.signalResync()
			for _, c := range channels {
				cursors[c] = "$"
			}
			if err := psync.Wait(ctx, backoff.Next()); err != nil {
				return
			}
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				cursors[stream.Stream] = entry.ID

				payload, ok := entry.Values["payload"].(string)
				if !ok {
					r.logger.Warn("stream entry without payload",
						zap.String("stream", stream.Stream),
						zap.String("id", entry.ID),
					)
					continue
				}

				if !sub.emit(ctx, psync.Message{Channel: stream.Stream, Payload: []byte(payload)}) {
					return
				}
			}
		}
	}
}

// Close implements psync.Transport.Close.
func (r *Redis) Close() error {
	return r.client.Close()
}

// streamSubscription is the subscription half shared by the redis and
// postgres backends: a reader goroutine feeds msgs, Close tears the reader
// down through done.
type streamSubscription struct {
	msgs   chan psync.Message
	resync chan struct{}
	done   chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
}

func newStreamSubscription() *streamSubscription {
	return &streamSubscription{
		msgs:   make(chan psync.Message),
		resync: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// emit hands a message to the consumer, returning false when the
// subscription or context ended.
func (s *streamSubscription) emit(ctx context.Context, msg psync.Message) bool {
	select {
	case s.msgs <- msg:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *streamSubscription) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// finish is called by the reader goroutine on exit so consumers ranging over
// Messages terminate.
func (s *streamSubscription) finish() {
	s.finishOnce.Do(func() { close(s.msgs) })
}

func (s *streamSubscription) Messages() <-chan psync.Message { return s.msgs }

func (s *streamSubscription) Resync() <-chan struct{} { return s.resync }

func (s *streamSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
