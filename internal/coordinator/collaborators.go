package coordinator

import (
	"context"
	"net/url"
	"strings"

	"github.com/crewdeck/call-signaling/internal/models"
)

// IdentitySource resolves the local user's identity. Resolution may be
// slow (a session lookup against the backend); the coordinator calls it
// once at startup and treats every call operation as a no-op until it
// completes.
type IdentitySource interface {
	Identify(ctx context.Context) (Party, error)
}

// StaticIdentity is an IdentitySource for a party known up front.
type StaticIdentity Party

func (s StaticIdentity) Identify(context.Context) (Party, error) {
	return Party(s), nil
}

// Navigator performs the handoff into the external video room once the
// handshake completes.
type Navigator interface {
	OpenRoom(roomID string, video bool)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(roomID string, video bool)

func (f NavigatorFunc) OpenRoom(roomID string, video bool) { f(roomID, video) }

// Notifier surfaces call notices to the user: a declined call, a missed
// call, an unanswered ring.
type Notifier interface {
	Notify(text string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(text string)

func (f NotifierFunc) Notify(text string) { f(text) }

// RoomURL builds the room view location handed to the video provider
// integration: <base>/room/<id>?mode=video|audio.
func RoomURL(base, roomID string, video bool) string {
	return strings.TrimRight(base, "/") + "/room/" + url.PathEscape(roomID) +
		"?mode=" + models.CallMode(video)
}
