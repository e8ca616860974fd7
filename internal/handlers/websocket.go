package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewdeck/call-signaling/internal/bus"
	"github.com/crewdeck/call-signaling/internal/models"
	"github.com/crewdeck/call-signaling/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Gateway attaches WebSocket clients to the signaling bus. Inbound frames
// are validated and republished on the bus; every bus event fans out to
// every attached client, because deciding what concerns a user is the
// client's job, not the gateway's.
type Gateway struct {
	bus     bus.Bus
	tracker presence.Tracker
	channel string
	event   string

	mu      sync.Mutex
	clients map[string]*client
	users   map[string]int // attach count per user id
	sub     bus.Subscription
}

// client is one WebSocket connection of one user.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// NewGateway wires a gateway to the bus and the presence tracker. Empty
// channel or event select the well-known signaling names.
func NewGateway(b bus.Bus, tracker presence.Tracker, channel, event string) *Gateway {
	if channel == "" {
		channel = models.SignalChannel
	}
	if event == "" {
		event = models.SignalEvent
	}
	return &Gateway{
		bus:     b,
		tracker: tracker,
		channel: channel,
		event:   event,
		clients: make(map[string]*client),
		users:   make(map[string]int),
	}
}

// Start subscribes to the signaling channel and begins fanning bus events
// out to attached clients.
func (g *Gateway) Start(ctx context.Context) error {
	sub, err := g.bus.Subscribe(ctx, g.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.channel, err)
	}

	g.mu.Lock()
	if g.sub != nil {
		g.mu.Unlock()
		sub.Close()
		return fmt.Errorf("gateway already started")
	}
	g.sub = sub
	g.mu.Unlock()

	go g.fanout(sub)
	return nil
}

// Close detaches from the bus and drops every client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	clients := make([]*client, 0, len(g.clients))
	for _, cl := range g.clients {
		clients = append(clients, cl)
	}
	g.mu.Unlock()

	// Closing the connections makes each readPump run its detach path.
	for _, cl := range clients {
		cl.conn.Close()
	}
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Attach upgrades the request and joins the client to the signaling
// channel. JWTAuth has already resolved the user.
func (g *Gateway) Attach(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	cl := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	g.register(cl)

	go cl.writePump()
	go g.readPump(cl)
}

func (g *Gateway) register(cl *client) {
	g.mu.Lock()
	g.clients[cl.id] = cl
	g.users[cl.userID]++
	first := g.users[cl.userID] == 1
	g.mu.Unlock()

	// A user with a second tab open is already online.
	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.tracker.Add(ctx, cl.userID); err != nil {
			log.Printf("Failed to record %s online: %v", cl.userID, err)
		}
	}
	log.Printf("User %s attached (connection %s)", cl.userID, cl.id)
}

func (g *Gateway) detach(cl *client) {
	g.mu.Lock()
	if _, ok := g.clients[cl.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, cl.id)
	g.users[cl.userID]--
	last := g.users[cl.userID] == 0
	if last {
		delete(g.users, cl.userID)
	}
	// The fanout loop sends while holding the gateway lock, so closing
	// here cannot race a send.
	close(cl.send)
	g.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.tracker.Remove(ctx, cl.userID); err != nil {
			log.Printf("Failed to record %s offline: %v", cl.userID, err)
		}
	}
	log.Printf("User %s detached (connection %s)", cl.userID, cl.id)
}

// fanout forwards every bus event to every attached client.
func (g *Gateway) fanout(sub bus.Subscription) {
	for ev := range sub.Events() {
		data, err := json.Marshal(bus.Envelope{Event: ev.Event, Payload: ev.Payload})
		if err != nil {
			log.Printf("Failed to marshal envelope: %v", err)
			continue
		}

		g.mu.Lock()
		for _, cl := range g.clients {
			select {
			case cl.send <- data:
			default:
				log.Printf("Failed to send to connection %s, buffer full", cl.id)
			}
		}
		g.mu.Unlock()
	}
}

func (g *Gateway) readPump(cl *client) {
	defer func() {
		g.detach(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var env bus.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Failed to parse frame from %s: %v", cl.userID, err)
			continue
		}
		if env.Event != g.event {
			log.Printf("Unknown event %q from %s", env.Event, cl.userID)
			continue
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Printf("Failed to parse signal from %s: %v", cl.userID, err)
			continue
		}
		if err := msg.Validate(); err != nil {
			log.Printf("Rejecting signal from %s: %v", cl.userID, err)
			continue
		}
		// Clients may only signal calls they participate in.
		if !msg.Concerns(cl.userID) {
			log.Printf("Rejecting %s signal from non-participant %s", msg.Type, cl.userID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = g.bus.Publish(ctx, g.channel, g.event, msg)
		cancel()
		if err != nil {
			log.Printf("Failed to publish %s signal from %s: %v", msg.Type, cl.userID, err)
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case message, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
