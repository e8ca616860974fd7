// Package bus abstracts the realtime broadcast primitive the call handshake
// rides on: publish/subscribe by channel name and event name, at-most-once
// delivery, no ordering guarantee across publishers, no persistence or
// replay. Senders get no acknowledgement; a lost message looks exactly like
// a peer that never answered.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope is the serialized form of every published message. The same
// envelope travels over Redis pub/sub and over the websocket gateway, so a
// browser client and a Go client speak one format.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a message delivered to a subscriber.
type Event struct {
	Channel string
	Event   string
	Payload json.RawMessage
}

// Subscription is a live attachment to one channel. Events returns a channel
// that is closed when the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus publishes structured payloads and subscribes to channels.
type Bus interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
