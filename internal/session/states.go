package session

// ChatState is the duplex-channel connection state.
type ChatState string

const (
	ChatConnected    ChatState = "CONNECTED"
	ChatDisconnected ChatState = "DISCONNECTED"
)

// VoiceState is the local microphone/voice state.
type VoiceState string

const (
	VoiceConnected    VoiceState = "VOICE_CONNECTED"
	VoiceDisconnected VoiceState = "VOICE_DISCONNECTED"
)

// CallState is the media-channel negotiation state.
type CallState string

const (
	CallIdle     CallState = "IDLE"
	CallCalling  CallState = "IS_CALLING"
	CallIncoming CallState = "INCOMING_CALL"
	CallHungUp   CallState = "HUNG_UP"
)

// RecordingState is the recording lifecycle state.
type RecordingState string

const (
	NotRecording       RecordingState = "NOT_RECORDING"
	RecordingRequested RecordingState = "RECORDING_REQUESTED"
	Recording          RecordingState = "RECORDING"
)

// Client is one known participant as seen from this controller.
type Client struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Voice    bool   `json:"voice"`
	Agreed   bool   `json:"agreed"`
}
