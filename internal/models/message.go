package models

import "fmt"

// Well-known bus addressing shared by every client and gateway: one
// channel for all users, one event name for every call signal.
const (
	SignalChannel = "calls:signal"
	SignalEvent   = "signal"
)

// SignalType represents the type of a call-signaling message
type SignalType string

const (
	SignalTypeOffer   SignalType = "offer"
	SignalTypeAnswer  SignalType = "answer"
	SignalTypeReject  SignalType = "reject"
	SignalTypeCancel  SignalType = "cancel"
	SignalTypeTimeout SignalType = "timeout"
)

// SignalMessage is the wire format for the call handshake. Every message
// keeps the same orientation regardless of who sends it: CallerID is always
// the call initiator and ReceiverID the callee, so an answer published by
// the callee still carries the initiator in CallerID.
type SignalMessage struct {
	Type         SignalType `json:"type"`
	CallerID     string     `json:"callerId"`
	CallerName   string     `json:"callerName,omitempty"`
	ReceiverID   string     `json:"receiverId"`
	ReceiverName string     `json:"receiverName,omitempty"`
	RoomID       string     `json:"roomId,omitempty"`
	IsVideo      bool       `json:"isVideo"`
}

// Validate checks the message against the wire contract.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeReject, SignalTypeCancel, SignalTypeTimeout:
	default:
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	if m.CallerID == "" || m.ReceiverID == "" {
		return fmt.Errorf("signal %s missing participant ids", m.Type)
	}
	if m.CallerID == m.ReceiverID {
		return fmt.Errorf("signal %s has identical caller and receiver %q", m.Type, m.CallerID)
	}
	// Room id travels on the handshake-establishing messages only.
	if m.RoomID == "" && (m.Type == SignalTypeOffer || m.Type == SignalTypeAnswer) {
		return fmt.Errorf("signal %s missing room id", m.Type)
	}
	return nil
}

// Concerns reports whether the message involves the given user at all.
// The signaling channel is shared by everyone, so filtering is the
// receiver's responsibility.
func (m SignalMessage) Concerns(userID string) bool {
	return m.CallerID == userID || m.ReceiverID == userID
}
