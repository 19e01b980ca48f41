package session

import "github.com/duologue/duologue/internal/record"

// EventKind discriminates controller events.
type EventKind string

const (
	EventChatState         EventKind = "chat_state"
	EventVoiceState        EventKind = "voice_state"
	EventCallState         EventKind = "call_state"
	EventRecordingState    EventKind = "recording_state"
	EventClientsChanged    EventKind = "clients_changed"
	EventOwnerChanged      EventKind = "owner_changed"
	EventChunk             EventKind = "chunk"
	EventRecordingFinished EventKind = "recording_finished"
	EventUploadRequested   EventKind = "upload_requested"
	EventCountdownTick     EventKind = "countdown_tick"
	EventError             EventKind = "error"
)

// Event is one notification from the controller to its subscribers. Only the
// fields relevant to the Kind are set.
type Event struct {
	Kind EventKind

	ChatState      ChatState
	VoiceState     VoiceState
	CallState      CallState
	RecordingState RecordingState
	Clients        []Client
	Owner          bool
	Countdown      int

	Chunk     *record.Chunk
	Recording *record.Recording

	// Message carries the reason of an error event (e.g. "login_failed").
	Message string
}

// Subscribe registers a listener for controller events. Events are dropped,
// not blocked on, when the listener falls behind. The cancel func detaches
// the listener and closes its channel.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// publish fans an event out to all listeners without blocking.
func (c *Controller) publish(ev Event) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	c.listenerMu.RUnlock()
}
