// Package session implements the client side of a two-party conversation:
// the connection state machine, reconnect with queued-message replay, media
// negotiation over the signaling channel, and the recording lifecycle from
// countdown to finished upload.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/duologue/duologue/internal/media"
	"github.com/duologue/duologue/internal/proto"
	"github.com/duologue/duologue/internal/record"
	"github.com/duologue/duologue/internal/uploader"
	"github.com/duologue/duologue/internal/util"
)

var log = logging.Logger("session")

// Reconnect and heartbeat defaults.
const (
	DefaultReconnectIncrement = 500 * time.Millisecond
	DefaultReconnectMax       = 10 * time.Second
	DefaultReplayDelay        = 250 * time.Millisecond
	DefaultPingInterval       = 30 * time.Second
	DefaultCountdown          = 3
	DefaultCountdownTick      = time.Second
)

// Options configures a Controller. URL, Client.ID and Producer are required;
// everything else has a usable default or is optional capability.
type Options struct {
	// URL is the room endpoint, e.g. ws://host/ws/<room>/<client>.
	URL    string
	Client Client

	// Mic and OpenMedia are nil when the embedding application has no
	// capture or transport capability. The controller degrades to muted.
	Mic       media.Microphone
	OpenMedia media.Opener

	Producer *record.Producer
	Uploader *uploader.Client
	Meta     *uploader.Metadata

	Dialer *websocket.Dialer

	ReconnectIncrement time.Duration
	ReconnectMax       time.Duration
	ReplayDelay        time.Duration
	PingInterval       time.Duration
	Countdown          int
	CountdownTick      time.Duration
}

// Controller owns one client's connection to a room. All exported methods are
// safe for concurrent use; wire messages are handled on a single read loop.
type Controller struct {
	opts Options

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	channel      media.Channel
	chat         ChatState
	voice        VoiceState
	call         CallState
	recording    RecordingState
	owner        bool
	muted        bool
	peer         *Client
	pendingOffer json.RawMessage
	sessionID    string
	lastRec      *record.Recording
	countStop    chan struct{}
	closed       bool
	cancel       context.CancelFunc

	// pending holds messages written while disconnected, replayed in order
	// after the next successful dial. Bounded so a long outage cannot grow
	// the queue without limit.
	pending *util.RingBuffer[proto.Payload]

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	runDone chan struct{}
}

// New creates a controller. Connect starts it.
func New(opts Options) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectIncrement <= 0 {
		opts.ReconnectIncrement = DefaultReconnectIncrement
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.ReplayDelay <= 0 {
		opts.ReplayDelay = DefaultReplayDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	if opts.CountdownTick <= 0 {
		opts.CountdownTick = DefaultCountdownTick
	}
	return &Controller{
		opts:      opts,
		chat:      ChatDisconnected,
		voice:     VoiceDisconnected,
		call:      CallIdle,
		recording: NotRecording,
		muted:     true,
		pending:   util.NewRingBuffer[proto.Payload](256),
		listeners: map[chan Event]struct{}{},
	}
}

// Backoff returns the delay before reconnect attempt n (1-based): the
// increment grows linearly and is capped at the maximum.
func (c *Controller) Backoff(attempt int) time.Duration {
	d := c.opts.ReconnectIncrement * time.Duration(attempt)
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	return d
}

// Connect dials the room and starts the read, heartbeat and reconnect loops.
// It returns once the first dial has succeeded or failed; reconnection after
// that is automatic until Disconnect.
func (c *Controller) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.opts.URL, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.runDone = make(chan struct{})
	c.cancel = cancel
	c.mu.Unlock()

	c.onConnected()
	go c.run(runCtx, conn)
	if c.opts.Producer != nil {
		go c.consumeChunks(runCtx)
	}
	return nil
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	return conn, err
}

// run is the connection supervisor: it reads from the current connection
// until it breaks, then redials with linear backoff unless the controller
// was closed or the server refused the login.
func (c *Controller) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.runDone)

	for attempt := 0; ; {
		c.readLoop(ctx, conn)

		c.mu.Lock()
		done := c.closed
		c.conn = nil
		c.mu.Unlock()
		if done {
			return
		}

		c.setVoiceState(VoiceDisconnected)
		c.setChatState(ChatDisconnected)

		for {
			attempt++
			delay := c.Backoff(attempt)
			log.Infof("reconnecting in %s (attempt %d)", delay, attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			var err error
			conn, err = c.dial(ctx)
			if err == nil {
				break
			}
			log.Warnf("reconnect attempt %d: %v", attempt, err)

			c.mu.Lock()
			done := c.closed
			c.mu.Unlock()
			if done {
				return
			}
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.onConnected()
	}
}

// onConnected runs after every successful dial: identify, restore voice,
// reopen the media channel if one was up, and replay queued messages.
func (c *Controller) onConnected() {
	c.setChatState(ChatConnected)

	c.write(proto.Payload{Type: proto.TypeSetUsername, Value: c.opts.Client.Username})

	c.mu.Lock()
	restoreVoice := !c.muted
	reopen := c.channel != nil
	c.mu.Unlock()
	replay := c.pending.Drain()

	if restoreVoice {
		if c.opts.Mic != nil {
			c.opts.Mic.Unmute()
		}
		c.write(proto.Payload{Type: proto.TypeSetVoice, Value: true})
		c.setVoiceState(VoiceConnected)
	} else if c.opts.Mic != nil {
		c.opts.Mic.Mute()
	}
	if reopen {
		if err := c.openChannel(); err != nil {
			log.Warnf("reopen media channel: %v", err)
		}
	}

	if len(replay) > 0 {
		go c.replay(replay)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.schedulePing(conn)
}

// replay re-sends messages queued while disconnected, oldest first, spaced
// out so the server is not flooded on reconnect.
func (c *Controller) replay(queue []proto.Payload) {
	log.Infof("replaying %d queued messages", len(queue))
	for i, p := range queue {
		if i > 0 {
			time.Sleep(c.opts.ReplayDelay)
		}
		c.write(p)
	}
}

// schedulePing arms one ping after the fixed delay; the next one is armed by
// the pong coming back. A reconnect swaps the connection out and the stale
// timer expires without firing a ping.
func (c *Controller) schedulePing(conn *websocket.Conn) {
	time.AfterFunc(c.opts.PingInterval, func() {
		c.mu.Lock()
		alive := c.conn == conn && !c.closed
		c.mu.Unlock()
		if !alive {
			return
		}
		c.write(proto.Payload{Type: proto.TypePing})
	})
}

func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("read loop ended: %v", err)
			return
		}
		var p proto.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warnf("bad frame from server: %v", err)
			continue
		}
		c.handle(ctx, p)
	}
}

func (c *Controller) handle(ctx context.Context, p proto.Payload) {
	switch p.Type {
	case proto.TypePong:
		log.Debugf("pong")
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		c.schedulePing(conn)

	case proto.TypeError:
		c.handleError(p.Message)

	case proto.TypeChatroomOwner:
		c.mu.Lock()
		c.owner = true
		c.mu.Unlock()
		c.publish(Event{Kind: EventOwnerChanged, Owner: true})

	case proto.TypeClientConnected:
		c.peerConnected(p)

	case proto.TypeClientDisconnected:
		c.peerDisconnected(p.ID)

	case proto.TypeClientChanged:
		c.peerChanged(p)

	case proto.TypeCall:
		c.handleCall(p)

	case proto.TypeAnswer:
		c.handleAnswer(ctx, p)

	case proto.TypeCandidate:
		c.handleCandidate(p)

	case proto.TypeHangUp:
		c.handleHangUp()

	case proto.TypeSetSessionID:
		// The minted base token rides in the id field on this frame.
		c.handleSetSessionID(p.ID)

	case proto.TypeStartRecording:
		c.handleStartRecording()

	case proto.TypeStartMidRecording:
		c.handleStartMidRecording(p.SessionID)

	case proto.TypeStopRecording:
		go c.finishRecording(ctx)

	case proto.TypeCancelRecording:
		c.cancelLocked()

	case proto.TypeUpload:
		go c.uploadLast(ctx)

	default:
		log.Debugf("ignoring frame type=%s", p.Type)
	}
}

func (c *Controller) handleError(reason string) {
	log.Errorf("server error: %s", reason)
	if reason == proto.ErrLoginFailed {
		// The room refused us; reconnecting would only repeat the refusal.
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	c.publish(Event{Kind: EventError, Message: reason})
}

func (c *Controller) peerConnected(p proto.Payload) {
	c.mu.Lock()
	if c.peer != nil && c.peer.ID == p.ID {
		c.mu.Unlock()
		return
	}
	peer := Client{ID: p.ID, Username: p.Username}
	if p.Voice != nil {
		peer.Voice = *p.Voice
	}
	if p.Agreed != nil {
		peer.Agreed = *p.Agreed
	}
	c.peer = &peer
	recording := c.recording == Recording
	sessionID := c.sessionID
	clients := c.clientsLocked()
	c.mu.Unlock()

	c.publish(Event{Kind: EventClientsChanged, Clients: clients})

	// A peer arriving while we record joins the session in progress.
	if recording && sessionID != "" {
		c.write(proto.Payload{Type: proto.TypeStartMidRecording, SessionID: sessionID})
	}
}

func (c *Controller) peerDisconnected(id string) {
	c.mu.Lock()
	if c.peer == nil || c.peer.ID != id {
		c.mu.Unlock()
		return
	}
	c.peer = nil
	clients := c.clientsLocked()
	c.mu.Unlock()
	c.publish(Event{Kind: EventClientsChanged, Clients: clients})
}

func (c *Controller) peerChanged(p proto.Payload) {
	c.mu.Lock()
	if c.peer == nil || c.peer.ID != p.ID {
		c.mu.Unlock()
		return
	}
	// The parameter echoes the set_* type the peer sent.
	switch p.Parameter {
	case proto.TypeSetUsername:
		c.peer.Username = p.ValueString()
	case proto.TypeSetVoice:
		c.peer.Voice = p.ValueBool()
	case proto.TypeSetAgreement:
		c.peer.Agreed = p.ValueBool()
	}
	clients := c.clientsLocked()
	c.mu.Unlock()
	c.publish(Event{Kind: EventClientsChanged, Clients: clients})
}

func (c *Controller) clientsLocked() []Client {
	clients := []Client{c.opts.Client}
	if c.peer != nil {
		clients = append(clients, *c.peer)
	}
	return clients
}

// openChannel creates a fresh media channel and starts forwarding its local
// candidates to the peer. The previous channel, if any, is closed first.
func (c *Controller) openChannel() error {
	if c.opts.OpenMedia == nil {
		return media.ErrChannelUnavailable
	}
	ch, err := c.opts.OpenMedia(c.opts.Mic)
	if err != nil {
		return fmt.Errorf("open media channel: %w", err)
	}

	c.mu.Lock()
	old := c.channel
	c.channel = ch
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go func() {
		for cand := range ch.Candidates() {
			c.write(proto.Payload{Type: proto.TypeCandidate, Candidate: cand})
		}
	}()
	return nil
}

// Call starts media negotiation with the peer.
func (c *Controller) Call(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		if err := c.openChannel(); err != nil {
			return err
		}
		c.mu.Lock()
		ch = c.channel
		c.mu.Unlock()
	}

	offer, err := ch.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	c.setCallState(CallCalling)
	c.write(proto.Payload{Type: proto.TypeCall, Offer: offer})
	return nil
}

func (c *Controller) handleCall(p proto.Payload) {
	c.mu.Lock()
	c.pendingOffer = p.Offer
	c.mu.Unlock()
	c.setCallState(CallIncoming)
}

// Accept answers a pending incoming call.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	offer := c.pendingOffer
	c.pendingOffer = nil
	ch := c.channel
	c.mu.Unlock()
	if offer == nil {
		return fmt.Errorf("no incoming call")
	}
	if ch == nil {
		if err := c.openChannel(); err != nil {
			return err
		}
		c.mu.Lock()
		ch = c.channel
		c.mu.Unlock()
	}

	answer, err := ch.Answer(ctx, offer)
	if err != nil {
		return fmt.Errorf("answer call: %w", err)
	}
	c.write(proto.Payload{Type: proto.TypeAnswer, Answer: answer})
	c.setCallState(CallIdle)
	c.setVoiceState(VoiceConnected)
	return nil
}

func (c *Controller) handleAnswer(ctx context.Context, p proto.Payload) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		log.Warnf("answer with no open channel")
		return
	}
	if err := ch.AcceptAnswer(ctx, p.Answer); err != nil {
		log.Errorf("accept answer: %v", err)
		return
	}
	c.setCallState(CallIdle)
	c.setVoiceState(VoiceConnected)
}

func (c *Controller) handleCandidate(p proto.Payload) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.AddCandidate(p.Candidate); err != nil {
		log.Warnf("add candidate: %v", err)
	}
}

// HangUp ends the call on both sides.
func (c *Controller) HangUp() {
	c.write(proto.Payload{Type: proto.TypeHangUp})
	c.handleHangUp()
}

func (c *Controller) handleHangUp() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	c.Mute()
	c.setCallState(CallHungUp)
	c.setVoiceState(VoiceDisconnected)
}

// UnMute opens the microphone, announces voice presence and connects the
// voice state. When the peer already has voice enabled this side initiates
// the call offer; the first to unmute stays passive and only answers.
// Missing capture or transport capability is reported as an error and leaves
// us muted.
func (c *Controller) UnMute(ctx context.Context) error {
	if c.opts.Mic == nil {
		return media.ErrNoMicrophone
	}
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return media.ErrChannelUnavailable
	}

	c.opts.Mic.Unmute()
	c.mu.Lock()
	c.muted = false
	peerVoice := c.peer != nil && c.peer.Voice
	c.mu.Unlock()
	c.write(proto.Payload{Type: proto.TypeSetVoice, Value: true})
	c.setVoiceState(VoiceConnected)

	if peerVoice {
		if err := c.Call(ctx); err != nil {
			log.Warnf("call after unmute: %v", err)
		}
	}
	return nil
}

// Mute closes the microphone and announces the change.
func (c *Controller) Mute() {
	if c.opts.Mic != nil {
		c.opts.Mic.Mute()
	}
	c.mu.Lock()
	already := c.muted
	c.muted = true
	c.mu.Unlock()
	if !already {
		c.write(proto.Payload{Type: proto.TypeSetVoice, Value: false})
	}
}

// SendAgreement announces the consent choice to the room.
func (c *Controller) SendAgreement(agreed bool) {
	c.write(proto.Payload{Type: proto.TypeSetAgreement, Value: agreed})
}

// RequestRecording starts the recording handshake: announce start_recording,
// mint a session id and hand the peer its half, then count down locally.
// Each side runs its own countdown and starts recording when it hits zero.
// Only the room owner may initiate.
func (c *Controller) RequestRecording() error {
	c.mu.Lock()
	if !c.owner {
		c.mu.Unlock()
		return fmt.Errorf("only the room owner can start a recording")
	}
	if c.recording != NotRecording {
		c.mu.Unlock()
		return fmt.Errorf("recording already requested")
	}
	base := uuid.NewString()
	c.sessionID = base + proto.SuffixClientA
	c.recording = RecordingRequested
	stop := make(chan struct{})
	c.countStop = stop
	c.mu.Unlock()

	c.write(proto.Payload{Type: proto.TypeStartRecording})
	c.write(proto.Payload{Type: proto.TypeSetSessionID, ID: base})
	c.publish(Event{Kind: EventRecordingState, RecordingState: RecordingRequested})

	go c.countdown(stop)
	return nil
}

// countdown ticks down and then starts recording locally. It can be aborted
// by CancelRecording or an incoming cancel frame.
func (c *Controller) countdown(stop chan struct{}) {
	remaining := c.opts.Countdown
	ticker := time.NewTicker(c.opts.CountdownTick)
	defer ticker.Stop()

	c.publish(Event{Kind: EventCountdownTick, Countdown: remaining})
	for remaining > 0 {
		select {
		case <-stop:
			return
		case <-ticker.C:
			remaining--
			c.publish(Event{Kind: EventCountdownTick, Countdown: remaining})
		}
	}

	c.startRecording()
}

// handleSetSessionID adopts the minted base id with our own suffix. The
// countdown is already running from the start_recording frame that precedes
// this one on the channel.
func (c *Controller) handleSetSessionID(base string) {
	c.mu.Lock()
	c.sessionID = base + proto.SuffixClientB
	c.mu.Unlock()
}

// handleStartRecording is the peer half of the handshake: enter the requested
// state and run the same countdown. The session id follows on the next frame,
// well before the countdown expires.
func (c *Controller) handleStartRecording() {
	c.mu.Lock()
	if c.recording != NotRecording {
		c.mu.Unlock()
		return
	}
	c.recording = RecordingRequested
	stop := make(chan struct{})
	c.countStop = stop
	c.mu.Unlock()

	c.publish(Event{Kind: EventRecordingState, RecordingState: RecordingRequested})
	go c.countdown(stop)
}

// handleStartMidRecording joins a recording already in progress: the peer's
// session id with the suffix swapped becomes ours, and recording starts
// immediately with no countdown.
func (c *Controller) handleStartMidRecording(peerID string) {
	id := swapSuffix(peerID)
	if id == "" {
		log.Warnf("start-mid-recording with malformed session id %q", peerID)
		return
	}
	c.mu.Lock()
	if c.recording == Recording {
		c.mu.Unlock()
		return
	}
	c.sessionID = id
	c.recording = RecordingRequested
	c.mu.Unlock()
	c.startRecording()
}

func swapSuffix(id string) string {
	switch {
	case strings.HasSuffix(id, proto.SuffixClientA):
		return strings.TrimSuffix(id, proto.SuffixClientA) + proto.SuffixClientB
	case strings.HasSuffix(id, proto.SuffixClientB):
		return strings.TrimSuffix(id, proto.SuffixClientB) + proto.SuffixClientA
	}
	return ""
}

func (c *Controller) startRecording() {
	c.mu.Lock()
	id := c.sessionID
	ok := c.recording == RecordingRequested
	c.mu.Unlock()
	if !ok {
		return
	}
	if id == "" {
		log.Errorf("countdown expired without a session id")
		c.publish(Event{Kind: EventError, Message: "no session id received"})
		return
	}

	if c.opts.Producer == nil {
		log.Errorf("no producer configured, cannot record")
		return
	}
	if err := c.opts.Producer.Start(id); err != nil {
		log.Errorf("start recording: %v", err)
		c.publish(Event{Kind: EventError, Message: err.Error()})
		return
	}
	c.setRecordingState(Recording)
}

// StopRecording finalizes the session on both sides and uploads our half.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	ok := c.recording == Recording
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no recording in progress")
	}
	c.write(proto.Payload{Type: proto.TypeStopRecording})
	return c.finishRecording(ctx)
}

// finishRecording stops the producer, verifies the upload and asks the server
// to assemble our half.
func (c *Controller) finishRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.recording != Recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = NotRecording
	c.mu.Unlock()

	rec, err := c.opts.Producer.Stop()
	if err != nil {
		c.publish(Event{Kind: EventError, Message: err.Error()})
		return fmt.Errorf("stop recording: %w", err)
	}

	c.mu.Lock()
	c.lastRec = &rec
	c.mu.Unlock()

	c.publish(Event{Kind: EventRecordingState, RecordingState: NotRecording})
	c.publish(Event{Kind: EventRecordingFinished, Recording: &rec})

	if c.opts.Uploader != nil {
		if err := c.opts.Uploader.Finish(ctx, rec, c.opts.Producer, c.opts.Meta); err != nil {
			c.publish(Event{Kind: EventError, Message: err.Error()})
			return fmt.Errorf("finish upload: %w", err)
		}
		c.opts.Producer.Clear()
	}
	return nil
}

// CancelRecording aborts the recording or the countdown on both sides.
// Nothing produced so far survives.
func (c *Controller) CancelRecording() {
	c.write(proto.Payload{Type: proto.TypeCancelRecording})
	c.cancelLocked()
}

func (c *Controller) cancelLocked() {
	c.mu.Lock()
	if c.recording == NotRecording {
		c.mu.Unlock()
		return
	}
	c.recording = NotRecording
	c.sessionID = ""
	stop := c.countStop
	c.countStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if c.opts.Producer != nil {
		c.opts.Producer.Cancel()
	}
	c.publish(Event{Kind: EventRecordingState, RecordingState: NotRecording})
}

// UploadOther asks the peer to upload its half of the last recording.
func (c *Controller) UploadOther() {
	c.write(proto.Payload{Type: proto.TypeUpload})
}

// uploadLast re-uploads the finished recording, typically because the peer
// asked for it.
func (c *Controller) uploadLast(ctx context.Context) {
	c.mu.Lock()
	rec := c.lastRec
	c.mu.Unlock()
	if rec == nil || c.opts.Uploader == nil {
		log.Warnf("upload requested but nothing to upload")
		return
	}
	c.publish(Event{Kind: EventUploadRequested})
	if err := c.opts.Uploader.UploadClip(ctx, *rec, c.opts.Meta); err != nil {
		log.Errorf("upload clip: %v", err)
		c.publish(Event{Kind: EventError, Message: err.Error()})
	}
}

// consumeChunks streams produced chunks to the server as they appear, until
// the controller's run context is cancelled.
func (c *Controller) consumeChunks(ctx context.Context) {
	for {
		var chunk record.Chunk
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-c.opts.Producer.Chunks():
			if !ok {
				return
			}
			chunk = ch
		}

		c.publish(Event{Kind: EventChunk, Chunk: &chunk})
		if c.opts.Uploader == nil {
			continue
		}
		var meta *uploader.Metadata
		if chunk.Seq == 1 {
			meta = c.opts.Meta
		}
		if err := c.opts.Uploader.UploadChunk(ctx, chunk, meta, false); err != nil {
			log.Warnf("upload chunk %d: %v", chunk.Seq, err)
		}
	}
}

// Disconnect leaves the room for good: no reconnect, no replay.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	ch := c.channel
	c.channel = nil
	stop := c.countStop
	c.countStop = nil
	done := c.runDone
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setChatState(ChatDisconnected)
}

// write sends a frame, or queues it for replay when disconnected.
func (c *Controller) write(p proto.Payload) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil {
		if !closed {
			c.pending.Push(p)
			log.Debugf("queued %s for replay", p.Type)
		}
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(p)
	c.writeMu.Unlock()
	if err != nil {
		log.Warnf("write %s: %v", p.Type, err)
		if !closed {
			c.pending.Push(p)
		}
	}
}

func (c *Controller) setChatState(s ChatState) {
	c.mu.Lock()
	if c.chat == s {
		c.mu.Unlock()
		return
	}
	c.chat = s
	c.mu.Unlock()
	c.publish(Event{Kind: EventChatState, ChatState: s})
}

func (c *Controller) setVoiceState(s VoiceState) {
	c.mu.Lock()
	if c.voice == s {
		c.mu.Unlock()
		return
	}
	c.voice = s
	c.mu.Unlock()
	c.publish(Event{Kind: EventVoiceState, VoiceState: s})
}

func (c *Controller) setCallState(s CallState) {
	c.mu.Lock()
	if c.call == s {
		c.mu.Unlock()
		return
	}
	c.call = s
	c.mu.Unlock()
	c.publish(Event{Kind: EventCallState, CallState: s})
}

func (c *Controller) setRecordingState(s RecordingState) {
	c.mu.Lock()
	if c.recording == s {
		c.mu.Unlock()
		return
	}
	c.recording = s
	c.mu.Unlock()
	c.publish(Event{Kind: EventRecordingState, RecordingState: s})
}

// State reports the current state machine snapshot.
func (c *Controller) State() (ChatState, VoiceState, CallState, RecordingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat, c.voice, c.call, c.recording
}

// SessionID returns the active recording session id, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Owner reports whether this client currently owns the room.
func (c *Controller) Owner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}
