package coordinator

// Status is the lifecycle state of the local call session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusOutgoing  Status = "outgoing"
	StatusIncoming  Status = "incoming"
	StatusConnected Status = "connected"
)

// Party identifies one side of a call.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Session is a read-only snapshot of the call state, taken for the UI
// overlay. Peer is the caller while ringing on an incoming call and the
// receiver while ringing on an outgoing one; it is zero whenever Status is
// idle, because the coordinator clears every field on terminal transitions.
type Session struct {
	Status Status `json:"status"`
	Self   Party  `json:"self"`
	Peer   Party  `json:"peer"`
	RoomID string `json:"roomId"`
	Video  bool   `json:"isVideo"`
}

// displayOrID prefers the advisory display name and falls back to the id.
func displayOrID(p Party) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
