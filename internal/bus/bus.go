// Package bus provides the stream message bus connecting every component of
// the trading core.
//
// The bus is backed by Redis streams with consumer groups: publishers XADD
// JSON payloads, subscribers read through a named group so that restarts
// resume from the pending entry list and horizontally scaled consumers share
// the stream. Delivery is at-least-once; consumers must tolerate replays.
package bus

import "context"

// Message is one delivered bus entry. Data holds the raw JSON payload as
// published. A Keepalive message carries no payload — it is emitted when a
// blocking read times out so that consume loops can observe ctx cancellation
// and run idle housekeeping.
type Message struct {
	Stream    string
	ID        string
	Data      []byte
	Keepalive bool
}

// Bus is the publish/subscribe contract. Subscribe channels are closed when
// the supplied context is cancelled or the bus shuts down.
type Bus interface {
	// Publish JSON-encodes payload and appends it to stream.
	Publish(ctx context.Context, stream string, payload any) error

	// Subscribe consumes a single stream through the named consumer group.
	// The group is created if missing; creation races are benign.
	Subscribe(ctx context.Context, stream, group string) (<-chan Message, error)

	// SubscribeMultiple consumes several streams through one group with a
	// single reader, preserving per-stream order. A keep-alive Message is
	// yielded when all streams are idle for the block timeout.
	SubscribeMultiple(ctx context.Context, group string, streams ...string) (<-chan Message, error)

	Close() error
}
