// Package room tracks which participants occupy which rooms. A room exists
// exactly as long as it has at least one participant; the first participant
// in join order is the room owner.
package room

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rooms")

// Conn is the send half of a participant's duplex channel. The registry never
// reads from it; it only hands it back to the coordinator for relaying.
type Conn interface {
	// WriteJSON encodes v and writes it as one text frame. Implementations
	// must be safe for use from multiple goroutines.
	WriteJSON(v any) error
	// WriteRaw writes an already-encoded frame.
	WriteRaw(data []byte) error
}

// Participant is one occupant of a room. All fields except Conn are mutated
// only through the registry, attributed to the participant's own channel.
type Participant struct {
	ID       string
	Conn     Conn
	Username string
	Voice    bool
	Agreed   bool
}

// Registry is an in-memory room table. All membership mutations for a room
// are serialized under one lock; lookups are O(room size), which is fine for
// rooms of a handful of participants.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string][]*Participant // join order preserved
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string][]*Participant)}
}

// Join adds a participant to a room, creating the room if it does not exist.
// Returns false without any state change if the id already occupies the room.
func (r *Registry) Join(roomID, clientID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.rooms[roomID] {
		if p.ID == clientID {
			return false
		}
	}
	r.rooms[roomID] = append(r.rooms[roomID], &Participant{ID: clientID, Conn: conn})
	log.Debugf("join room=%s client=%s members=%d", roomID, clientID, len(r.rooms[roomID]))
	return true
}

// Leave removes a participant from a room and returns it. The room itself is
// deleted when its last participant leaves.
func (r *Registry) Leave(roomID, clientID string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	for i, p := range members {
		if p.ID == clientID {
			r.rooms[roomID] = append(members[:i:i], members[i+1:]...)
			if len(r.rooms[roomID]) == 0 {
				delete(r.rooms, roomID)
			}
			log.Debugf("leave room=%s client=%s", roomID, clientID)
			return p, true
		}
	}
	return nil, false
}

// Field names accepted by UpdateField.
const (
	FieldUsername = "username"
	FieldVoice    = "voice"
	FieldAgreed   = "agreed"
)

// UpdateField mutates one attribute of a participant. Returns false if the
// room, the participant, or the field is unknown.
func (r *Registry) UpdateField(roomID, clientID, field string, value any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.find(roomID, clientID)
	if p == nil {
		return false
	}
	switch field {
	case FieldUsername:
		s, ok := value.(string)
		if !ok {
			return false
		}
		p.Username = s
	case FieldVoice:
		b, ok := value.(bool)
		if !ok {
			return false
		}
		p.Voice = b
	case FieldAgreed:
		b, ok := value.(bool)
		if !ok {
			return false
		}
		p.Agreed = b
	default:
		return false
	}
	return true
}

// Members returns the room's participants in join order; empty if the room
// does not exist. The returned slice is a copy.
func (r *Registry) Members(roomID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]*Participant, len(members))
	copy(out, members)
	return out
}

// Other returns the first participant in the room whose channel differs from
// conn. With exactly two occupants this is the peer; with more it is an
// arbitrary one of them, which is a known simplification of the two-party
// relay pattern.
func (r *Registry) Other(roomID string, conn Conn) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.rooms[roomID] {
		if p.Conn != conn {
			return p, true
		}
	}
	return nil, false
}

// Broadcast sends an encoded payload to every participant in the room except
// the excluded channel. Send failures are logged and skipped; the transport's
// own close event handles dead channels.
func (r *Registry) Broadcast(roomID string, exclude Conn, v any) {
	for _, p := range r.Members(roomID) {
		if p.Conn == exclude {
			continue
		}
		if err := p.Conn.WriteJSON(v); err != nil {
			log.Warnf("broadcast room=%s client=%s: %v", roomID, p.ID, err)
		}
	}
}

func (r *Registry) find(roomID, clientID string) *Participant {
	for _, p := range r.rooms[roomID] {
		if p.ID == clientID {
			return p
		}
	}
	return nil
}
