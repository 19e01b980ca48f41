// Package proto defines the wire vocabulary shared by the room coordinator
// and the session controller. Every frame on the duplex channel is a JSON
// object with a mandatory "type" field; payload fields depend on the type.
package proto

import "encoding/json"

// Message types interpreted by the room coordinator. Anything else is relayed
// to the other room occupant unchanged.
const (
	TypeSetUsername  = "set_username"
	TypeSetVoice     = "set_voice"
	TypeSetAgreement = "set_agreement"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"

	TypeClientConnected    = "client_connected"
	TypeClientDisconnected = "client_disconnected"
	TypeClientChanged      = "client_changed"
	TypeChatroomOwner      = "chatroom_owner"
)

// Message types relayed opaquely between the two occupants.
const (
	TypeCall              = "call"
	TypeAnswer            = "answer"
	TypeCandidate         = "candidate"
	TypeSetSessionID      = "set_session_id"
	TypeStartRecording    = "start_recording"
	TypeStopRecording     = "stop_recording"
	TypeCancelRecording   = "cancel_recording"
	TypeStartMidRecording = "start-mid-recording"
	TypeHangUp            = "hang_up"
	TypeUpload            = "upload"
)

// Error reasons carried in the "message" field of an error frame.
const (
	ErrLoginFailed = "login_failed"
	ErrInvalidJSON = "invalid_json"
	ErrSetFailed   = "set_failed"
)

// Session id suffixes. The initiating side records as client_a, the peer as
// client_b; the base token before the suffix pairs the two halves.
const (
	SuffixClientA = "_client_a"
	SuffixClientB = "_client_b"
)

// Payload is one frame on the duplex channel. Fields not used by a given type
// are omitted from the encoding. Offer, Answer and Candidate bodies are never
// interpreted server-side.
type Payload struct {
	Type string `json:"type"`

	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Username  string `json:"username,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Message   string `json:"message,omitempty"`

	// Value carries the body of a set_* frame: a string for set_username,
	// a bool for set_voice / set_agreement.
	Value any `json:"value,omitempty"`

	Voice  *bool `json:"voice,omitempty"`
	Agreed *bool `json:"agreed,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Error builds an error frame with the given reason.
func Error(reason string) Payload {
	return Payload{Type: TypeError, Message: reason}
}

// ValueString returns the Value field as a string, or "".
func (p Payload) ValueString() string {
	s, _ := p.Value.(string)
	return s
}

// ValueBool returns the Value field as a bool, or false.
func (p Payload) ValueBool() bool {
	b, _ := p.Value.(bool)
	return b
}
