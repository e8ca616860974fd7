package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSClient is a Bus that attaches to the signaling gateway's websocket
// endpoint. The gateway serves exactly one channel, so the connection is
// bound to that channel at dial time and supports a single subscriber.
// This is the path for clients that cannot reach Redis directly.
type WSClient struct {
	channel string
	conn    *websocket.Conn

	writeMu sync.Mutex

	subMu      sync.Mutex
	subscribed bool

	closeOnce sync.Once
	closeErr  error

	events chan Event
}

// DialGateway connects to a gateway endpoint such as wss://host/ws/signal.
// The session token rides in the query string because browser websocket
// clients cannot set headers, and the gateway accepts the same form from
// everyone.
func DialGateway(ctx context.Context, gatewayURL, token, channel string) (*WSClient, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &WSClient{
		channel: channel,
		conn:    conn,
		events:  make(chan Event, subscriberBuffer),
	}
	go c.readLoop()
	return c, nil
}

// Publish writes one envelope to the gateway.
func (c *WSClient) Publish(_ context.Context, channel, event string, payload any) error {
	if channel != c.channel {
		return fmt.Errorf("gateway connection is bound to %q, not %q", c.channel, channel)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("publish %s to gateway: %w", event, err)
	}
	return nil
}

// Subscribe returns the connection's event stream. Only the bound channel
// is served, and only one subscriber may attach.
func (c *WSClient) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if channel != c.channel {
		return nil, fmt.Errorf("gateway connection is bound to %q, not %q", c.channel, channel)
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscribed {
		return nil, fmt.Errorf("gateway connection already has a subscriber")
	}
	c.subscribed = true
	return &wsSubscription{client: c}, nil
}

// Close tears down the connection; the event stream closes once the read
// loop exits.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSClient) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("bus: gateway connection lost: %v", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("bus: dropping malformed envelope from gateway: %v", err)
			continue
		}
		select {
		case c.events <- Event{Channel: c.channel, Event: env.Event, Payload: env.Payload}:
		default:
			log.Printf("bus: subscriber lagging on %s, dropped %s", c.channel, env.Event)
		}
	}
}

// wsSubscription views the connection's single event stream. Closing it
// closes the underlying connection.
type wsSubscription struct {
	client *WSClient
}

func (s *wsSubscription) Events() <-chan Event { return s.client.events }

func (s *wsSubscription) Close() error { return s.client.Close() }
