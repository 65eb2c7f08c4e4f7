package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis streams. Stream keys are namespaced as
// "{prefix}:{stream}"; the payload lives under the single "data" field.
type RedisBus struct {
	client  *redis.Client
	prefix  string
	block   time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  chan struct{}
	closeMu sync.Once
}

// NewRedis wraps an existing Redis client. The caller owns the client's
// configuration; Close closes it.
func NewRedis(client *redis.Client, prefix string, blockTimeout time.Duration, logger *slog.Logger) *RedisBus {
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		block:  blockTimeout,
		logger: logger.With("component", "bus"),
		closed: make(chan struct{}),
	}
}

func (b *RedisBus) key(stream string) string {
	return b.prefix + ":" + stream
}

// Publish JSON-encodes payload and appends it to the stream.
func (b *RedisBus) Publish(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", stream, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(stream),
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// ensureGroup creates the consumer group at the stream head, creating the
// stream itself if needed. An already-existing group is not an error.
func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.key(stream), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Subscribe consumes one stream through the named group.
func (b *RedisBus) Subscribe(ctx context.Context, stream, group string) (<-chan Message, error) {
	return b.SubscribeMultiple(ctx, group, stream)
}

// SubscribeMultiple consumes several streams through one group. A single
// reader goroutine serves all streams, so per-stream order is preserved.
func (b *RedisBus) SubscribeMultiple(ctx context.Context, group string, streams ...string) (<-chan Message, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("subscribe: no streams given")
	}
	for _, s := range streams {
		if err := b.ensureGroup(ctx, s, group); err != nil {
			return nil, err
		}
	}

	consumer := group + "-" + uuid.NewString()[:8]
	ch := make(chan Message, 16)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(ch)
		b.readLoop(ctx, group, consumer, streams, ch)
	}()

	return ch, nil
}

func (b *RedisBus) readLoop(ctx context.Context, group, consumer string, streams []string, ch chan<- Message) {
	// XREADGROUP wants keys followed by one ">" cursor per key.
	args := make([]string, 0, 2*len(streams))
	for _, s := range streams {
		args = append(args, b.key(s))
	}
	for range streams {
		args = append(args, ">")
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 200 * time.Millisecond
	backoffCfg.MaxInterval = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  args,
			Count:    1,
			Block:    b.block,
		}).Result()

		if err == redis.Nil {
			// All streams idle for the block window.
			backoffCfg.Reset()
			select {
			case ch <- Message{Keepalive: true}:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			default:
				// Consumer is behind; it does not need another nudge.
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoffCfg.NextBackOff()
			b.logger.Error("group read failed, backing off",
				"group", group, "error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
			continue
		}
		backoffCfg.Reset()

		for _, streamRes := range res {
			logical := strings.TrimPrefix(streamRes.Stream, b.prefix+":")
			for _, entry := range streamRes.Messages {
				b.deliver(ctx, group, logical, streamRes.Stream, entry, ch)
			}
		}
	}
}

// deliver hands one entry to the subscriber and acks it. Entries with a
// missing or malformed payload are acked and dropped so they cannot wedge
// the pending list.
func (b *RedisBus) deliver(ctx context.Context, group, logical, fullKey string, entry redis.XMessage, ch chan<- Message) {
	raw, ok := entry.Values["data"].(string)
	if !ok || !json.Valid([]byte(raw)) {
		b.logger.Warn("dropping malformed entry",
			"stream", logical, "id", entry.ID, "group", group)
		b.ack(fullKey, group, entry.ID)
		return
	}

	msg := Message{Stream: logical, ID: entry.ID, Data: []byte(raw)}
	select {
	case ch <- msg:
		b.ack(fullKey, group, entry.ID)
	case <-ctx.Done():
	case <-b.closed:
	}
}

func (b *RedisBus) ack(fullKey, group, id string) {
	// Ack outside the subscriber ctx: shutdown must not leave delivered
	// entries pending.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.XAck(ctx, fullKey, group, id).Err(); err != nil {
		b.logger.Warn("ack failed", "stream", fullKey, "id", id, "error", err)
	}
}

// Close stops all subscriber loops and closes the Redis client.
func (b *RedisBus) Close() error {
	b.closeMu.Do(func() { close(b.closed) })
	b.wg.Wait()
	return b.client.Close()
}
