package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Memory is an in-process Bus for tests and single-node deployments. It
// mirrors the delivery semantics of the Redis bus: fan-out to current
// subscribers only, drop on a full subscriber buffer, no replay.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]*memorySubscription
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySubscription)}
}

// Publish fans the envelope out to every current subscriber of the channel.
func (b *Memory) Publish(_ context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	ev := Event{Channel: channel, Event: event, Payload: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.events <- ev:
		default:
			log.Printf("bus: subscriber lagging on %s, dropped %s", channel, event)
		}
	}
	return nil
}

// Subscribe attaches to a channel.
func (b *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		events:  make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	bus     *Memory
	channel string
	events  chan Event
	closed  bool
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

// Close detaches the subscription and closes its events channel. Safe to
// call more than once.
func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	subs := s.bus.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.channel]) == 0 {
		delete(s.bus.subs, s.channel)
	}
	// Publishers hold the read lock while sending, so closing under the
	// write lock cannot race a send.
	close(s.events)
	return nil
}
