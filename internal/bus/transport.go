// Package bus routes envelopes between actors over a pluggable
// transport. It implements the three delivery patterns (ask, tell,
// publish), channel-level fan-out to local handlers, and the pending
// ledger behind at-least-once tells.
package bus

import "context"

// Transport moves raw envelope bytes between channels. Implementations
// fan a published message out to every subscriber of the channel;
// subscribers on other processes are reached only by the Redis
// transport.
type Transport interface {
	// Publish delivers data to every current subscriber of channel.
	// Publishing to a channel with no subscribers is not an error.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers fn for the channel and returns an
	// unsubscribe func. fn is invoked from the transport's delivery
	// workers and must not block indefinitely.
	Subscribe(channel string, fn func(data []byte)) (func(), error)

	// Ping reports transport reachability.
	Ping(ctx context.Context) error

	// Close releases every subscription. Publishing after Close fails.
	Close() error
}
