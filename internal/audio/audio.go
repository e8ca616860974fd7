// Package audio models the gesture-gated playback policy imposed by
// browser-style hosts: programmatic audio is refused until a real user
// gesture has been spent on the page. The call coordinator owns the
// ringtone exclusively but shares the unlock state with any other
// component that wants gesture-gated audio, such as notification sounds.
package audio

import "sync/atomic"

// Ringer is the single shared ringtone asset. Play starts looping the
// tone, Stop halts it, and Prime performs a near-silent play/pause cycle
// whose only purpose is to spend a user gesture on the audio element.
// Implementations come from the embedding application; headless hosts and
// tests use NopRinger.
type Ringer interface {
	Play() error
	Stop()
	Prime() error
}

// GesturePermit is the acquire-once capability tracking whether a user
// gesture has unlocked audio for this session. Granting is one-way and
// idempotent: once any component has spent a gesture, every holder of the
// permit may play.
type GesturePermit struct {
	granted atomic.Bool
}

// Grant marks audio as unlocked for the rest of the session.
func (p *GesturePermit) Grant() { p.granted.Store(true) }

// Granted reports whether a gesture has unlocked audio yet.
func (p *GesturePermit) Granted() bool { return p.granted.Load() }

// NopRinger is a Ringer that does nothing.
type NopRinger struct{}

func (NopRinger) Play() error  { return nil }
func (NopRinger) Stop()        {}
func (NopRinger) Prime() error { return nil }

// Switched gates a Ringer behind a preference checked at each Play, so a
// user can mute the ringtone without touching the call handshake. Stop and
// Prime always pass through: a tone already playing when the preference
// flips must still be stoppable, and priming only spends the gesture.
type Switched struct {
	Ringer  Ringer
	Enabled func() bool
}

func (s Switched) Play() error {
	if s.Enabled != nil && !s.Enabled() {
		return nil
	}
	return s.Ringer.Play()
}

func (s Switched) Stop() { s.Ringer.Stop() }

func (s Switched) Prime() error { return s.Ringer.Prime() }
