// Package eventbus publishes the engine's outbound LegEvent stream over
// Redis pub/sub, adapted from the teacher's marketdata-service redisbus, so
// downstream visualization or discretization consumers — out of scope for
// this module — can subscribe without coupling to the engine process.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/algomatic/legengine/pkg/leg"
)

// Handler processes an incoming leg event.
type Handler func(ctx context.Context, event *WireEvent) error

// Bus wraps a Redis client for leg-event pub/sub.
type Bus struct {
	client        *redis.Client
	channelPrefix string
	logger        *slog.Logger
}

// NewBus creates a Redis pub/sub bus for one channel prefix, typically the
// publishing engine's run ID so multiple concurrent engine instances don't
// cross-talk.
func NewBus(addr, password string, db int, channelPrefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Bus{client: client, channelPrefix: channelPrefix, logger: logger}
}

// HealthCheck verifies Redis connectivity.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish sends one leg event to its kind's channel. Consumers must not
// mutate legs referenced by events; the wire format only ever carries the
// immutable snapshot fields of leg.Event.
func (b *Bus) Publish(ctx context.Context, ev leg.Event) error {
	wire := toWireEvent(ev)
	channel := b.channelFor(wire.Kind)
	data, err := wire.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling leg event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	b.logger.Debug("published leg event", "kind", wire.Kind, "channel", channel, "leg_id", wire.LegID)
	return nil
}

// Subscribe listens for events of the given kind and calls handler for
// each. Blocks until ctx is cancelled; returns nil on clean shutdown.
func (b *Bus) Subscribe(ctx context.Context, kind string, handler Handler) error {
	channel := b.channelFor(kind)
	pubsub := b.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	b.logger.Info("subscribed to leg event channel", "channel", channel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("unsubscribed from leg event channel", "channel", channel)
			return nil
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("leg event channel closed", "channel", channel)
				return nil
			}
			ev, err := UnmarshalWireEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Error("failed to unmarshal leg event", "channel", channel, "error", err)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				b.logger.Error("leg event handler failed", "kind", ev.Kind, "leg_id", ev.LegID, "error", err)
			}
		}
	}
}

func (b *Bus) channelFor(kind string) string {
	return b.channelPrefix + ":" + kind
}
