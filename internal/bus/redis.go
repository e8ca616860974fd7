package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds how far a slow consumer may fall behind before
// messages are dropped. Dropping keeps the at-most-once contract honest
// instead of stalling the receive loop.
const subscriberBuffer = 64

// Redis is a Bus backed by Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client as a Bus.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish marshals the payload into an envelope and publishes it. Redis
// pub/sub delivers to currently connected subscribers only, which matches
// the at-most-once, no-replay contract.
func (b *Redis) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}

// Subscribe attaches to a channel and starts decoding envelopes.
func (b *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)

	// Wait for the SUBSCRIBE confirmation so a successful return means the
	// attachment is live.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("bus: dropping malformed envelope on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case events <- Event{Channel: msg.Channel, Event: env.Event, Payload: env.Payload}:
			default:
				log.Printf("bus: subscriber lagging on %s, dropped %s", msg.Channel, env.Event)
			}
		}
	}()

	return &redisSubscription{ps: ps, events: events}, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

// Close detaches from the channel; the events channel closes once the
// decode loop drains.
func (s *redisSubscription) Close() error { return s.ps.Close() }
