package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewdeck/call-signaling/internal/bus"
	"github.com/crewdeck/call-signaling/internal/models"
)

func TestCallFlow(t *testing.T) {
	b := bus.NewMemory()
	opts := Options{ConnectLinger: 200 * time.Millisecond}
	alex := newPeer(t, b, "alex", "Alex", opts)
	blair := newPeer(t, b, "blair", "Blair", opts)

	t.Run("offer rings the callee", func(t *testing.T) {
		if err := alex.c.InitiateCall("blair", "Blair", true); err != nil {
			t.Fatal(err)
		}
		if got := alex.status(); got != StatusOutgoing {
			t.Fatalf("caller status = %q, want %q", got, StatusOutgoing)
		}
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")

		s := blair.c.Session()
		if s.Peer.ID != "alex" || s.Peer.DisplayName != "Alex" {
			t.Fatalf("callee sees peer %+v, want alex", s.Peer)
		}
		if s.RoomID != "alex-blair" {
			t.Fatalf("callee room = %q, want alex-blair", s.RoomID)
		}
		if !s.Video {
			t.Fatal("callee lost the video flag")
		}
		if got := alex.c.Session().RoomID; got != "alex-blair" {
			t.Fatalf("caller room = %q, want alex-blair", got)
		}
	})

	t.Run("accept connects both sides and opens the room", func(t *testing.T) {
		if err := blair.c.AcceptCall(); err != nil {
			t.Fatal(err)
		}
		if got := blair.status(); got != StatusConnected {
			t.Fatalf("callee status = %q, want %q", got, StatusConnected)
		}
		waitFor(t, func() bool { return alex.status() == StatusConnected }, "caller to connect")

		room, video := blair.nav.last()
		if room != "alex-blair" || !video {
			t.Fatalf("callee opened room %q video=%v, want alex-blair video", room, video)
		}
		waitFor(t, func() bool { return alex.nav.count() == 1 }, "caller to open the room")
		if room, video := alex.nav.last(); room != "alex-blair" || !video {
			t.Fatalf("caller opened room %q video=%v, want alex-blair video", room, video)
		}
	})

	t.Run("session clears after the linger", func(t *testing.T) {
		waitFor(t, func() bool { return alex.status() == StatusIdle }, "caller to clear")
		waitFor(t, func() bool { return blair.status() == StatusIdle }, "callee to clear")

		s := alex.c.Session()
		if s.Peer.ID != "" || s.RoomID != "" || s.Video {
			t.Fatalf("idle session retained call data: %+v", s)
		}
	})

	t.Run("reject notifies the caller", func(t *testing.T) {
		navBefore := blair.nav.count()
		if err := blair.c.InitiateCall("alex", "Alex", false); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return alex.status() == StatusIncoming }, "callee to start ringing")

		if err := alex.c.RejectCall(); err != nil {
			t.Fatal(err)
		}
		if got := alex.status(); got != StatusIdle {
			t.Fatalf("callee status after reject = %q, want %q", got, StatusIdle)
		}
		waitFor(t, func() bool { return blair.status() == StatusIdle }, "caller to clear")
		waitFor(t, func() bool { return blair.notes.contains("Alex declined the call") }, "declined notice")

		if blair.nav.count() != navBefore || alex.nav.count() != 1 {
			t.Fatal("rejected call must not open a room")
		}
	})

	t.Run("cancel clears the callee silently", func(t *testing.T) {
		notesBefore := blair.notes.count()
		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")

		if err := alex.c.CancelCall(); err != nil {
			t.Fatal(err)
		}
		if got := alex.status(); got != StatusIdle {
			t.Fatalf("caller status after cancel = %q, want %q", got, StatusIdle)
		}
		waitFor(t, func() bool { return blair.status() == StatusIdle }, "callee to clear")

		time.Sleep(50 * time.Millisecond)
		if got := blair.notes.count(); got != notesBefore {
			t.Fatalf("cancel produced a notice: %v", blair.notes.all())
		}
	})
}

func TestOfferGuards(t *testing.T) {
	b := bus.NewMemory()
	alex := newPeer(t, b, "alex", "Alex", Options{})
	blair := newPeer(t, b, "blair", "Blair", Options{})
	cara := newPeer(t, b, "cara", "Cara", Options{})

	if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")

	t.Run("caller ignores its own offer echo", func(t *testing.T) {
		// Blair transitioned, so the broadcast round trip is complete and
		// Alex has seen his own offer by now.
		s := alex.c.Session()
		if s.Status != StatusOutgoing || s.Peer.ID != "blair" {
			t.Fatalf("caller session corrupted by echo: %+v", s)
		}
	})

	t.Run("bystander ignores offers between others", func(t *testing.T) {
		if got := cara.status(); got != StatusIdle {
			t.Fatalf("bystander status = %q, want %q", got, StatusIdle)
		}
	})

	t.Run("busy callee drops a second offer", func(t *testing.T) {
		if err := cara.c.InitiateCall("blair", "Blair", true); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)

		s := blair.c.Session()
		if s.Status != StatusIncoming || s.Peer.ID != "alex" {
			t.Fatalf("busy callee switched sessions: %+v", s)
		}
		// Cara keeps ringing; nobody sends a busy signal back.
		if got := cara.status(); got != StatusOutgoing {
			t.Fatalf("second caller status = %q, want %q", got, StatusOutgoing)
		}
	})
}

func TestStaleSignals(t *testing.T) {
	b := bus.NewMemory()
	alex := newPeer(t, b, "alex", "Alex", Options{})
	blair := newPeer(t, b, "blair", "Blair", Options{})
	ctx := context.Background()

	publish := func(t *testing.T, payload any) {
		t.Helper()
		if err := b.Publish(ctx, DefaultChannel, DefaultEvent, payload); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Run("answer with no outgoing call is dropped", func(t *testing.T) {
		publish(t, models.SignalMessage{
			Type:       models.SignalTypeAnswer,
			CallerID:   "alex",
			ReceiverID: "blair",
			RoomID:     "alex-blair",
		})
		if got := alex.status(); got != StatusIdle {
			t.Fatalf("status = %q, want %q", got, StatusIdle)
		}
		if alex.nav.count() != 0 {
			t.Fatal("stale answer opened a room")
		}
	})

	t.Run("cancel with no incoming call is dropped", func(t *testing.T) {
		publish(t, models.SignalMessage{
			Type:       models.SignalTypeCancel,
			CallerID:   "alex",
			ReceiverID: "blair",
		})
		if got := blair.status(); got != StatusIdle {
			t.Fatalf("status = %q, want %q", got, StatusIdle)
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		publish(t, "not a signal")
		publish(t, models.SignalMessage{Type: "ping", CallerID: "alex", ReceiverID: "blair"})
		if alex.status() != StatusIdle || blair.status() != StatusIdle {
			t.Fatal("malformed signal changed state")
		}
	})

	t.Run("mismatched room id is rederived", func(t *testing.T) {
		publish(t, models.SignalMessage{
			Type:       models.SignalTypeOffer,
			CallerID:   "cara",
			CallerName: "Cara",
			ReceiverID: "alex",
			RoomID:     "not-the-room",
		})
		waitFor(t, func() bool { return alex.status() == StatusIncoming }, "callee to start ringing")
		if got := alex.c.Session().RoomID; got != "alex-cara" {
			t.Fatalf("room = %q, want the locally derived alex-cara", got)
		}
	})
}

func TestOperationGuards(t *testing.T) {
	t.Run("calls before identity resolves", func(t *testing.T) {
		b := bus.NewMemory()
		c := New(b, stalledIdentity{}, NavigatorFunc(func(string, bool) {}), Options{})
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		if err := c.InitiateCall("blair", "Blair", false); !errors.Is(err, ErrIdentityNotReady) {
			t.Fatalf("err = %v, want ErrIdentityNotReady", err)
		}
	})

	b := bus.NewMemory()
	alex := newPeer(t, b, "alex", "Alex", Options{})
	blair := newPeer(t, b, "blair", "Blair", Options{})

	t.Run("accept, reject and cancel need a session", func(t *testing.T) {
		if err := alex.c.AcceptCall(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("accept: err = %v, want ErrInvalidState", err)
		}
		if err := alex.c.RejectCall(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("reject: err = %v, want ErrInvalidState", err)
		}
		if err := alex.c.CancelCall(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("cancel: err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("cannot call yourself or nobody", func(t *testing.T) {
		if err := alex.c.InitiateCall("alex", "Alex", false); err == nil {
			t.Fatal("calling yourself must fail")
		}
		if err := alex.c.InitiateCall("", "", false); err == nil {
			t.Fatal("calling an empty id must fail")
		}
		if got := alex.status(); got != StatusIdle {
			t.Fatalf("failed initiate left status %q", got)
		}
	})

	t.Run("one session at a time", func(t *testing.T) {
		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		if err := alex.c.InitiateCall("cara", "Cara", false); !errors.Is(err, ErrBusy) {
			t.Fatalf("err = %v, want ErrBusy", err)
		}
		// The original call is untouched.
		if got := alex.c.Session().Peer.ID; got != "blair" {
			t.Fatalf("peer = %q, want blair", got)
		}

		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")
		if err := blair.c.InitiateCall("cara", "Cara", false); !errors.Is(err, ErrBusy) {
			t.Fatalf("ringing callee initiate: err = %v, want ErrBusy", err)
		}
		if err := alex.c.AcceptCall(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("caller accepting own call: err = %v, want ErrInvalidState", err)
		}
	})
}

func TestRingGating(t *testing.T) {
	b := bus.NewMemory()
	alex := newPeer(t, b, "alex", "Alex", Options{})
	blair := newPeer(t, b, "blair", "Blair", Options{})

	t.Run("initiating rings unconditionally", func(t *testing.T) {
		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		if !alex.ringer.ringing() {
			t.Fatal("caller ringtone not playing")
		}
		if !alex.c.AudioPermit().Granted() {
			t.Fatal("initiating is a gesture and must grant the permit")
		}
	})

	t.Run("incoming ring is suppressed before any gesture", func(t *testing.T) {
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")
		if got := blair.ringer.playCount(); got != 0 {
			t.Fatalf("callee rang %d times without an audio gesture", got)
		}
	})

	t.Run("a gesture unlocks the incoming ring", func(t *testing.T) {
		if err := alex.c.CancelCall(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return blair.status() == StatusIdle }, "callee to clear")

		blair.c.UnlockAudio()
		blair.c.UnlockAudio()
		if got := blair.ringer.primeCount(); got != 2 {
			t.Fatalf("primed %d times, want one per unlock call", got)
		}

		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")
		if !blair.ringer.ringing() {
			t.Fatal("callee ringtone not playing after unlock")
		}

		if err := blair.c.RejectCall(); err != nil {
			t.Fatal(err)
		}
		if blair.ringer.ringing() {
			t.Fatal("ringtone kept playing after reject")
		}
	})

	t.Run("unlock grants even when priming fails", func(t *testing.T) {
		cara := newPeer(t, b, "cara", "Cara", Options{})
		cara.ringer.primeErr = errors.New("no audio device")

		cara.c.UnlockAudio()
		if !cara.c.AudioPermit().Granted() {
			t.Fatal("permit not granted after failed priming cycle")
		}
	})
}

func TestRingTimeout(t *testing.T) {
	t.Run("unanswered call times out on both sides", func(t *testing.T) {
		b := bus.NewMemory()
		opts := Options{RingTimeout: 80 * time.Millisecond}
		alex := newPeer(t, b, "alex", "Alex", opts)
		blair := newPeer(t, b, "blair", "Blair", opts)

		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")

		waitFor(t, func() bool { return alex.status() == StatusIdle }, "caller to give up")
		waitFor(t, func() bool { return blair.status() == StatusIdle }, "callee to clear")
		waitFor(t, func() bool { return alex.notes.contains("did not answer") }, "no-answer notice")
		waitFor(t, func() bool { return blair.notes.contains("Missed call from Alex") }, "missed-call notice")

		if alex.ringer.ringing() {
			t.Fatal("ringtone kept playing after timeout")
		}
		if alex.nav.count() != 0 || blair.nav.count() != 0 {
			t.Fatal("timed-out call opened a room")
		}
	})

	t.Run("answering stops the clock", func(t *testing.T) {
		b := bus.NewMemory()
		opts := Options{RingTimeout: 80 * time.Millisecond}
		alex := newPeer(t, b, "alex", "Alex", opts)
		blair := newPeer(t, b, "blair", "Blair", opts)

		if err := alex.c.InitiateCall("blair", "Blair", false); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return blair.status() == StatusIncoming }, "callee to start ringing")
		if err := blair.c.AcceptCall(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return alex.status() == StatusConnected }, "caller to connect")

		time.Sleep(120 * time.Millisecond)
		if got := alex.status(); got != StatusConnected {
			t.Fatalf("status = %q after the old ring deadline, want %q", got, StatusConnected)
		}
		if alex.notes.contains("did not answer") {
			t.Fatal("answered call still produced a timeout notice")
		}
	})
}

// peer bundles a coordinator with observable fakes for one test user.
type peer struct {
	c      *Coordinator
	ringer *fakeRinger
	nav    *fakeNavigator
	notes  *fakeNotifier
}

func newPeer(t *testing.T, b bus.Bus, id, name string, opts Options) *peer {
	t.Helper()
	p := &peer{ringer: &fakeRinger{}, nav: &fakeNavigator{}, notes: &fakeNotifier{}}
	opts.Ringer = p.ringer
	opts.Notifier = p.notes
	if opts.RingTimeout == 0 {
		// Keep the ring clock out of tests that are not about it.
		opts.RingTimeout = -1
	}
	p.c = New(b, StaticIdentity(Party{ID: id, DisplayName: name}), p.nav, opts)
	if err := p.c.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { p.c.Close() })
	waitFor(t, func() bool { return p.c.Session().Self.ID == id }, "identity of "+id)
	return p
}

func (p *peer) status() Status { return p.c.Session().Status }

// waitFor polls cond until it holds or a deadline passes. Bus delivery and
// identity resolution are asynchronous, so tests observe effects instead of
// sleeping fixed amounts.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeRinger records ringtone activity. The coordinator calls it under its
// own lock, so it keeps a separate mutex for inspection from the test.
type fakeRinger struct {
	mu       sync.Mutex
	playing  bool
	plays    int
	primes   int
	primeErr error
}

func (r *fakeRinger) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = true
	r.plays++
	return nil
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
}

func (r *fakeRinger) Prime() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primes++
	return r.primeErr
}

func (r *fakeRinger) ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *fakeRinger) playCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plays
}

func (r *fakeRinger) primeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primes
}

// fakeNavigator records room handoffs.
type fakeNavigator struct {
	mu    sync.Mutex
	opens []openedRoom
}

type openedRoom struct {
	room  string
	video bool
}

func (n *fakeNavigator) OpenRoom(roomID string, video bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opens = append(n.opens, openedRoom{room: roomID, video: video})
}

func (n *fakeNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.opens)
}

func (n *fakeNavigator) last() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.opens) == 0 {
		return "", false
	}
	o := n.opens[len(n.opens)-1]
	return o.room, o.video
}

// fakeNotifier records user-facing notices.
type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

func (n *fakeNotifier) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, text := range n.texts {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

// stalledIdentity never resolves, standing in for a login that hangs.
type stalledIdentity struct{}

func (stalledIdentity) Identify(ctx context.Context) (Party, error) {
	<-ctx.Done()
	return Party{}, ctx.Err()
}
