// Package coordinator owns the call-lifecycle state machine for one client
// process. It turns the shared broadcast channel into an invite / accept /
// reject / cancel handshake: user actions and remote signals become state
// transitions, the ringtone is played under the audio-gesture policy, and a
// completed handshake hands off to the external video room.
//
// Every message type is actionable by exactly one side and in exactly one
// state, which is what makes the protocol safe on a bus with no ordering
// guarantee: a stale or duplicate signal fails its state guard and is
// dropped instead of corrupting the session.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crewdeck/call-signaling/internal/audio"
	"github.com/crewdeck/call-signaling/internal/bus"
	"github.com/crewdeck/call-signaling/internal/models"
)

// Defaults for Options zero values.
const (
	DefaultChannel        = models.SignalChannel
	DefaultEvent          = models.SignalEvent
	DefaultRingTimeout    = 40 * time.Second
	DefaultConnectLinger  = time.Second
	DefaultPublishTimeout = 5 * time.Second
)

var (
	// ErrIdentityNotReady is returned while the local identity has not
	// resolved yet. Callers may ignore it; nothing was changed or sent.
	ErrIdentityNotReady = errors.New("coordinator: local identity not resolved yet")

	// ErrBusy is returned by InitiateCall outside the idle state. The
	// in-flight session is left untouched.
	ErrBusy = errors.New("coordinator: a call session is already active")

	// ErrInvalidState is returned by accept/reject/cancel when the session
	// is not in the one state where the operation applies.
	ErrInvalidState = errors.New("coordinator: operation not valid in current state")
)

// Options tune a Coordinator. The zero value selects every default.
type Options struct {
	// Channel and Event name the well-known signaling channel shared by
	// all users and the event all call signals are published under.
	Channel string
	Event   string

	// RingTimeout bounds how long an unanswered call may ring before the
	// session returns to idle. Zero selects DefaultRingTimeout; a negative
	// value disables the timeout entirely.
	RingTimeout time.Duration

	// ConnectLinger is how long the session stays in the connected state
	// before clearing to idle, so the connecting UI remains visible while
	// the room opens.
	ConnectLinger time.Duration

	// PublishTimeout bounds each broadcast send.
	PublishTimeout time.Duration

	// Ringer plays the shared ringtone; nil means no audio.
	Ringer audio.Ringer

	// Permit is the shared audio-gesture capability. Nil allocates a
	// private one, which is fine when no other component plays audio.
	Permit *audio.GesturePermit

	// Notifier surfaces call notices; nil logs them.
	Notifier Notifier
}

// Coordinator is the authoritative call-session state machine for one
// client. All transitions go through its mutex and check the current
// status first, so exactly one event is applied at a time.
type Coordinator struct {
	bus bus.Bus
	ids IdentitySource
	nav Navigator

	ringer audio.Ringer
	permit *audio.GesturePermit
	notify Notifier

	channel        string
	event          string
	ringTimeout    time.Duration
	connectLinger  time.Duration
	publishTimeout time.Duration

	mu     sync.Mutex
	self   Party
	status Status
	peer   Party
	roomID string
	video  bool

	// gen increments on every transition; timer callbacks carry the gen
	// they were armed under and do nothing when it has moved on.
	gen        uint64
	ringTimer  *time.Timer
	clearTimer *time.Timer

	sub bus.Subscription
}

// New assembles a coordinator. The bus, identity source and navigator are
// required; everything else defaults through Options.
func New(b bus.Bus, identity IdentitySource, nav Navigator, opts Options) *Coordinator {
	c := &Coordinator{
		bus:            b,
		ids:            identity,
		nav:            nav,
		ringer:         opts.Ringer,
		permit:         opts.Permit,
		notify:         opts.Notifier,
		channel:        opts.Channel,
		event:          opts.Event,
		ringTimeout:    opts.RingTimeout,
		connectLinger:  opts.ConnectLinger,
		publishTimeout: opts.PublishTimeout,
		status:         StatusIdle,
	}
	if c.channel == "" {
		c.channel = DefaultChannel
	}
	if c.event == "" {
		c.event = DefaultEvent
	}
	if c.ringTimeout == 0 {
		c.ringTimeout = DefaultRingTimeout
	}
	if c.connectLinger <= 0 {
		c.connectLinger = DefaultConnectLinger
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = DefaultPublishTimeout
	}
	if c.ringer == nil {
		c.ringer = audio.NopRinger{}
	}
	if c.permit == nil {
		c.permit = &audio.GesturePermit{}
	}
	if c.notify == nil {
		c.notify = NotifierFunc(func(text string) { log.Printf("coordinator: %s", text) })
	}
	return c
}

// Start subscribes to the signaling channel and begins resolving the local
// identity. Call operations invoked before resolution completes return
// ErrIdentityNotReady.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}

	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		sub.Close()
		return errors.New("coordinator: already started")
	}
	c.sub = sub
	c.mu.Unlock()

	go c.receive(sub)
	go c.resolveIdentity(ctx)
	return nil
}

// Close detaches from the bus and clears any active session.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.resetLocked()
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// AudioPermit exposes the shared gesture capability so other components
// (notification sounds, for one) can play once any gesture unlocked audio.
func (c *Coordinator) AudioPermit() *audio.GesturePermit { return c.permit }

// Session returns a snapshot of the call state for the UI overlay.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		Status: c.status,
		Self:   c.self,
		Peer:   c.peer,
		RoomID: c.roomID,
		Video:  c.video,
	}
}

// InitiateCall starts an outgoing call to the given user. It is valid only
// from idle; an in-flight session is never clobbered. Initiation is always
// a direct user gesture, so it rings unconditionally and unlocks audio for
// the rest of the session.
func (c *Coordinator) InitiateCall(receiverID, receiverName string, video bool) error {
	c.mu.Lock()
	if c.self.ID == "" {
		c.mu.Unlock()
		return ErrIdentityNotReady
	}
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	if receiverID == "" || receiverID == c.self.ID {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: cannot call %q", receiverID)
	}

	c.gen++
	c.status = StatusOutgoing
	c.peer = Party{ID: receiverID, DisplayName: receiverName}
	c.roomID = models.DeriveRoomID(c.self.ID, receiverID)
	c.video = video

	c.permit.Grant()
	if err := c.ringer.Play(); err != nil {
		log.Printf("coordinator: ringtone failed: %v", err)
	}
	c.armRingTimerLocked()

	msg := models.SignalMessage{
		Type:         models.SignalTypeOffer,
		CallerID:     c.self.ID,
		CallerName:   c.self.DisplayName,
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		RoomID:       c.roomID,
		IsVideo:      video,
	}
	c.mu.Unlock()

	c.publish(msg)
	return nil
}

// AcceptCall answers the ringing incoming call, publishes the answer and
// hands off to the video room. The session lingers in connected briefly so
// the connecting UI stays visible, then clears to idle.
func (c *Coordinator) AcceptCall() error {
	c.mu.Lock()
	if c.status != StatusIncoming {
		c.mu.Unlock()
		return ErrInvalidState
	}

	c.ringer.Stop()
	c.stopTimersLocked()
	c.gen++
	c.status = StatusConnected
	c.armClearTimerLocked()

	msg := models.SignalMessage{
		Type:         models.SignalTypeAnswer,
		CallerID:     c.peer.ID,
		CallerName:   c.peer.DisplayName,
		ReceiverID:   c.self.ID,
		ReceiverName: c.self.DisplayName,
		RoomID:       c.roomID,
		IsVideo:      c.video,
	}
	roomID, video := c.roomID, c.video
	c.mu.Unlock()

	c.publish(msg)
	c.nav.OpenRoom(roomID, video)
	return nil
}

// RejectCall declines the ringing incoming call.
func (c *Coordinator) RejectCall() error {
	c.mu.Lock()
	if c.status != StatusIncoming {
		c.mu.Unlock()
		return ErrInvalidState
	}

	msg := models.SignalMessage{
		Type:         models.SignalTypeReject,
		CallerID:     c.peer.ID,
		CallerName:   c.peer.DisplayName,
		ReceiverID:   c.self.ID,
		ReceiverName: c.self.DisplayName,
		IsVideo:      c.video,
	}
	c.resetLocked()
	c.mu.Unlock()

	c.publish(msg)
	return nil
}

// CancelCall withdraws the ringing outgoing call.
func (c *Coordinator) CancelCall() error {
	c.mu.Lock()
	if c.status != StatusOutgoing {
		c.mu.Unlock()
		return ErrInvalidState
	}

	msg := models.SignalMessage{
		Type:         models.SignalTypeCancel,
		CallerID:     c.self.ID,
		CallerName:   c.self.DisplayName,
		ReceiverID:   c.peer.ID,
		ReceiverName: c.peer.DisplayName,
		IsVideo:      c.video,
	}
	c.resetLocked()
	c.mu.Unlock()

	c.publish(msg)
	return nil
}

// UnlockAudio spends a user gesture on the ringer with a near-silent
// play/pause cycle, then grants the permit. Idempotent and never fails:
// without a fresh gesture a retry cannot do better, so the permit is
// granted even when the cycle errors.
func (c *Coordinator) UnlockAudio() {
	if err := c.ringer.Prime(); err != nil {
		log.Printf("coordinator: audio unlock cycle failed: %v", err)
	}
	c.permit.Grant()
}

func (c *Coordinator) resolveIdentity(ctx context.Context) {
	self, err := c.ids.Identify(ctx)
	if err != nil {
		log.Printf("coordinator: identity resolution failed: %v", err)
		return
	}
	if self.ID == "" {
		log.Printf("coordinator: identity source returned an empty id")
		return
	}
	c.mu.Lock()
	c.self = self
	c.mu.Unlock()
	log.Printf("coordinator: identity resolved as %s", self.ID)
}

func (c *Coordinator) receive(sub bus.Subscription) {
	for ev := range sub.Events() {
		if ev.Event != c.event {
			continue
		}
		var msg models.SignalMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			log.Printf("coordinator: dropping undecodable signal: %v", err)
			continue
		}
		c.handleSignal(msg)
	}
}

// handleSignal applies one remote signal. Navigation and notices run after
// the lock is released; UI callbacks may re-enter Session safely.
func (c *Coordinator) handleSignal(msg models.SignalMessage) {
	if err := msg.Validate(); err != nil {
		log.Printf("coordinator: dropping invalid signal: %v", err)
		return
	}

	c.mu.Lock()
	var after func()
	if c.self.ID != "" && msg.Concerns(c.self.ID) {
		switch msg.Type {
		case models.SignalTypeOffer:
			c.handleOfferLocked(msg)
		case models.SignalTypeAnswer:
			after = c.handleAnswerLocked(msg)
		case models.SignalTypeReject:
			after = c.handleRejectLocked(msg)
		case models.SignalTypeCancel:
			c.handleCancelLocked(msg)
		case models.SignalTypeTimeout:
			after = c.handleTimeoutLocked(msg)
		}
	}
	c.mu.Unlock()

	if after != nil {
		after()
	}
}

// handleOfferLocked rings an incoming call. Offers are actionable by the
// callee only, so our own offer echoed back (which matches on CallerID)
// falls through here.
func (c *Coordinator) handleOfferLocked(msg models.SignalMessage) {
	if msg.ReceiverID != c.self.ID {
		return
	}
	if c.status != StatusIdle {
		// Busy: the offer is dropped locally and no busy signal goes back;
		// the caller keeps ringing until they cancel or time out.
		log.Printf("coordinator: busy, ignoring offer from %s", msg.CallerID)
		return
	}

	c.gen++
	c.status = StatusIncoming
	c.peer = Party{ID: msg.CallerID, DisplayName: msg.CallerName}
	c.roomID = c.roomCheck(msg)
	c.video = msg.IsVideo

	// Ringing here is not the product of a user gesture, so it is gated on
	// the permit.
	if c.permit.Granted() {
		if err := c.ringer.Play(); err != nil {
			log.Printf("coordinator: ringtone failed: %v", err)
		}
	} else {
		log.Printf("coordinator: ring suppressed, audio not unlocked by a user gesture yet")
	}
	c.armRingTimerLocked()
}

// handleAnswerLocked completes the handshake on the calling side.
func (c *Coordinator) handleAnswerLocked(msg models.SignalMessage) func() {
	if msg.CallerID != c.self.ID {
		return nil
	}
	if c.status != StatusOutgoing || msg.ReceiverID != c.peer.ID {
		return nil
	}

	c.ringer.Stop()
	c.stopTimersLocked()
	c.gen++
	c.status = StatusConnected
	c.roomID = c.roomCheck(msg)
	c.armClearTimerLocked()

	roomID, video := c.roomID, c.video
	return func() { c.nav.OpenRoom(roomID, video) }
}

// handleRejectLocked ends the outgoing call with a declined notice.
func (c *Coordinator) handleRejectLocked(msg models.SignalMessage) func() {
	if msg.CallerID != c.self.ID {
		return nil
	}
	if c.status != StatusOutgoing || msg.ReceiverID != c.peer.ID {
		return nil
	}

	name := displayOrID(c.peer)
	c.resetLocked()
	return func() { c.notify.Notify(fmt.Sprintf("%s declined the call", name)) }
}

// handleCancelLocked clears a ringing incoming call the caller withdrew.
func (c *Coordinator) handleCancelLocked(msg models.SignalMessage) {
	if msg.ReceiverID != c.self.ID {
		return
	}
	if c.status != StatusIncoming || msg.CallerID != c.peer.ID {
		return
	}
	c.resetLocked()
}

// handleTimeoutLocked clears a ringing incoming call whose caller gave up
// waiting, leaving a missed-call notice.
func (c *Coordinator) handleTimeoutLocked(msg models.SignalMessage) func() {
	if msg.ReceiverID != c.self.ID {
		return nil
	}
	if c.status != StatusIncoming || msg.CallerID != c.peer.ID {
		return nil
	}

	name := displayOrID(c.peer)
	c.resetLocked()
	return func() { c.notify.Notify(fmt.Sprintf("Missed call from %s", name)) }
}

// roomCheck recomputes the room id from the two participant ids. The
// transmitted value is only a cross-check; both sides can derive the room
// without negotiation.
func (c *Coordinator) roomCheck(msg models.SignalMessage) string {
	derived := msg.RoomFor()
	if msg.RoomID != "" && msg.RoomID != derived {
		log.Printf("coordinator: peer sent room %q but %q derives locally, using the derived id", msg.RoomID, derived)
	}
	return derived
}

// publish sends one signal after the local transition has already been
// applied. Failures are logged, never retried and never rolled back: the
// broadcast gives no acknowledgement, so to the remote side a lost signal
// is indistinguishable from nobody calling.
func (c *Coordinator) publish(msg models.SignalMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, c.channel, c.event, msg); err != nil {
		log.Printf("coordinator: %s signal not sent: %v", msg.Type, err)
	}
}

func (c *Coordinator) armRingTimerLocked() {
	if c.ringTimeout <= 0 {
		return
	}
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringExpired(gen) })
}

// ringExpired ends a call that rang unanswered for the full timeout. The
// outgoing side tells the peer it stopped waiting; the incoming side only
// clears locally, because the caller's own timer covers the wire.
func (c *Coordinator) ringExpired(gen uint64) {
	c.mu.Lock()
	var after func()
	if gen == c.gen {
		switch c.status {
		case StatusOutgoing:
			peer := c.peer
			msg := models.SignalMessage{
				Type:         models.SignalTypeTimeout,
				CallerID:     c.self.ID,
				CallerName:   c.self.DisplayName,
				ReceiverID:   peer.ID,
				ReceiverName: peer.DisplayName,
				IsVideo:      c.video,
			}
			c.resetLocked()
			after = func() {
				c.publish(msg)
				c.notify.Notify(fmt.Sprintf("%s did not answer", displayOrID(peer)))
			}
		case StatusIncoming:
			peer := c.peer
			c.resetLocked()
			after = func() { c.notify.Notify(fmt.Sprintf("Missed call from %s", displayOrID(peer))) }
		}
	}
	c.mu.Unlock()

	if after != nil {
		after()
	}
}

func (c *Coordinator) armClearTimerLocked() {
	gen := c.gen
	c.clearTimer = time.AfterFunc(c.connectLinger, func() { c.connectCleared(gen) })
}

// connectCleared returns the session to idle once the connecting UI has
// had its moment; navigation already happened.
func (c *Coordinator) connectCleared(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.status != StatusConnected {
		return
	}
	c.resetLocked()
}

// resetLocked returns the session to idle. Every terminal transition
// funnels through here, so an idle session can never retain a peer or a
// room id.
func (c *Coordinator) resetLocked() {
	c.gen++
	c.ringer.Stop()
	c.stopTimersLocked()
	c.status = StatusIdle
	c.peer = Party{}
	c.roomID = ""
	c.video = false
}

func (c *Coordinator) stopTimersLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
}
