package broker

import "github.com/pion/webrtc/v3"

// MessageType tags the JSON envelope exchanged between a peer and the
// broker over its WebSocket endpoint.
type MessageType string

const (
	MsgRegister MessageType = "register"
	MsgRequest  MessageType = "request"
	MsgAnswer   MessageType = "answer"
	MsgError    MessageType = "error"
)

// Message is the broker's single wire envelope. Only the fields relevant to
// Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// Register: the bridge's own offer, stashed in the pool for a client
	// to claim.
	Offer *webrtc.SessionDescription `json:"offer,omitempty"`

	// Request: empty — the client is just asking for any available peer.

	// ID: set by the broker in its reply to a Request (sent with Type
	// register and carrying the matched bridge's Offer), echoed back in the
	// client's answer, and included in the answer relayed to the bridge, so
	// both sides of a match can be correlated.
	ID string `json:"id,omitempty"`

	// Answer (from client to broker, completing the match): the client's
	// SDP answer to forward to the bridge that registered Offer.
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`

	Error string `json:"error,omitempty"`
}
