package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/duologue/duologue/internal/proto"
	"github.com/duologue/duologue/internal/room"
	"github.com/duologue/duologue/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Participants are anonymous; the room id in the URL is the only gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes to one websocket connection. gorilla/websocket
// allows a single concurrent writer, and both the reader goroutine of this
// participant and relays from the peer's reader write here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWS is the coordinator endpoint: /ws/{roomID}/{clientID}. It owns the
// participant's read loop; relaying to the peer goes through the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := util.ValidateName(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	clientID, err := util.ValidateName(chi.URLParam(r, "clientID"))
	if err != nil {
		http.Error(w, "invalid client id", http.StatusBadRequest)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade room=%s client=%s: %v", roomID, clientID, err)
		return
	}
	conn := &wsConn{conn: raw}

	if !s.rooms.Join(roomID, clientID, conn) {
		log.Errorf("rejected duplicate join room=%s client=%s", roomID, clientID)
		_ = conn.WriteJSON(proto.Error(proto.ErrLoginFailed))
		raw.Close()
		return
	}
	defer s.drop(roomID, clientID, conn, raw)

	// Tell the peer about the newcomer, and the newcomer about the peer.
	// A participant alone in the room is its owner.
	if other, ok := s.rooms.Other(roomID, conn); ok {
		_ = other.Conn.WriteJSON(proto.Payload{Type: proto.TypeClientConnected, ID: clientID})
		voice, agreed := other.Voice, other.Agreed
		_ = conn.WriteJSON(proto.Payload{
			Type:     proto.TypeClientConnected,
			ID:       other.ID,
			Username: other.Username,
			Voice:    &voice,
			Agreed:   &agreed,
		})
	} else {
		_ = conn.WriteJSON(proto.Payload{Type: proto.TypeChatroomOwner})
	}

	log.Infof("connected room=%s client=%s", roomID, clientID)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("read room=%s client=%s: %v", roomID, clientID, err)
			}
			return
		}
		s.dispatch(roomID, clientID, conn, data)
	}
}

// dispatch interprets one frame from a participant. The enumerated set_* and
// ping types are handled here; everything else is relayed to the other
// occupant byte for byte.
func (s *Server) dispatch(roomID, clientID string, conn *wsConn, data []byte) {
	var msg proto.Payload
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		_ = conn.WriteJSON(proto.Error(proto.ErrInvalidJSON))
		return
	}

	switch msg.Type {
	case proto.TypeSetUsername, proto.TypeSetVoice, proto.TypeSetAgreement:
		if !s.rooms.UpdateField(roomID, clientID, fieldFor(msg.Type), msg.Value) {
			_ = conn.WriteJSON(proto.Error(proto.ErrSetFailed))
			return
		}
		s.relay(roomID, conn, proto.Payload{
			Type:      proto.TypeClientChanged,
			ID:        clientID,
			Parameter: msg.Type,
			Value:     msg.Value,
		})

	case proto.TypePing:
		_ = conn.WriteJSON(proto.Payload{Type: proto.TypePong})

	default:
		if other, ok := s.rooms.Other(roomID, conn); ok {
			if err := other.Conn.WriteRaw(data); err != nil {
				log.Warnf("relay room=%s to=%s: %v", roomID, other.ID, err)
			}
		}
	}
}

// relay sends a payload to the other occupant, if any.
func (s *Server) relay(roomID string, from *wsConn, v proto.Payload) {
	if other, ok := s.rooms.Other(roomID, from); ok {
		if err := other.Conn.WriteJSON(v); err != nil {
			log.Warnf("relay room=%s to=%s: %v", roomID, other.ID, err)
		}
	}
}

// drop removes a departed participant, announces the departure and promotes
// the new first-in-order member to owner.
func (s *Server) drop(roomID, clientID string, conn *wsConn, raw *websocket.Conn) {
	if _, ok := s.rooms.Leave(roomID, clientID); ok {
		s.rooms.Broadcast(roomID, nil, proto.Payload{Type: proto.TypeClientDisconnected, ID: clientID})
		if members := s.rooms.Members(roomID); len(members) > 0 {
			_ = members[0].Conn.WriteJSON(proto.Payload{Type: proto.TypeChatroomOwner})
		}
		log.Infof("disconnected room=%s client=%s", roomID, clientID)
	}
	raw.Close()
}

func fieldFor(msgType string) string {
	switch msgType {
	case proto.TypeSetUsername:
		return room.FieldUsername
	case proto.TypeSetVoice:
		return room.FieldVoice
	case proto.TypeSetAgreement:
		return room.FieldAgreed
	}
	return ""
}
