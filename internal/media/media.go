// Package media declares the surfaces the session controller needs from the
// capture and transport layers it does not own: a microphone source and the
// peer-to-peer media channel negotiated via opaque offer/answer/candidate
// payloads. Concrete implementations live with the embedding application;
// the controller only opens, negotiates, mutes and closes them.
package media

import (
	"context"
	"encoding/json"
	"errors"
)

// Capability errors. They leave the controller muted instead of crashing it.
var (
	// ErrNoMicrophone means no capture device is available.
	ErrNoMicrophone = errors.New("no microphone available")

	// ErrChannelUnavailable means the real-time media channel could not be
	// opened or is not open.
	ErrChannelUnavailable = errors.New("media channel unavailable")
)

// Microphone is the capture device. Mute and Unmute gate the local track;
// capture internals (sample delivery into the encoder) are out of band.
type Microphone interface {
	Mute()
	Unmute()
}

// Channel is one peer-to-peer media connection. Offer/Answer/Candidate bodies
// are opaque blobs produced and consumed by the transport; the controller
// moves them over the signaling channel unmodified.
type Channel interface {
	// CreateOffer starts negotiation from this side.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptAnswer completes a negotiation this side initiated.
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	// Answer responds to a remote offer.
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// AddCandidate feeds a remote transport candidate into the connection.
	AddCandidate(candidate json.RawMessage) error
	// Candidates yields local candidates to forward to the peer. The channel
	// is closed when gathering finishes or the connection closes.
	Candidates() <-chan json.RawMessage
	// Close tears the connection down. Idempotent.
	Close() error
}

// Opener creates a fresh Channel wired to the given microphone. Called at
// construction, after hang-up, and after reconnect when the previous channel
// is gone.
type Opener func(mic Microphone) (Channel, error)
