package models

// roomSeparator joins the two participant ids into a room id.
const roomSeparator = "-"

// Call modes as they appear in room navigation and token requests.
const (
	ModeVideo = "video"
	ModeAudio = "audio"
)

// DeriveRoomID computes the room identifier for an unordered pair of
// participants. Sorting makes the value independent of who initiates, so
// both sides arrive at the same room without negotiation.
func DeriveRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + roomSeparator + b
}

// CallMode maps the isVideo flag onto the room mode string.
func CallMode(video bool) string {
	if video {
		return ModeVideo
	}
	return ModeAudio
}

// RoomFor is DeriveRoomID applied to a signal message's participants.
func (m SignalMessage) RoomFor() string {
	return DeriveRoomID(m.CallerID, m.ReceiverID)
}
