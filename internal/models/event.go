package models

import "encoding/json"

// Event is the envelope for the per-user events socket. Source names the
// event family member ("call.request", "voicecall.accept", ...), Data carries
// the type-specific fields.
type Event struct {
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// CallKind distinguishes the two invitation families carried over the events
// socket. They share one state machine; only the ring UI differs.
type CallKind string

const (
	CallKindVideo CallKind = "video"
	CallKindVoice CallKind = "voice"
)

// Event sources for the video call family. The voice family uses the same
// verbs under the "voicecall." prefix.
const (
	SourceCallRequest     = "call.request"
	SourceCallAccept      = "call.accept"
	SourceCallReject      = "call.reject"
	SourceCallCancel      = "call.cancel"
	SourceCallTimeout     = "call.timeout"
	SourceCallUnreachable = "call.unreachable"
	SourceError           = "error"
)

// CallSource builds the event source for a verb of the given kind, e.g.
// ("voice", "request") -> "voicecall.request".
func CallSource(kind CallKind, verb string) string {
	if kind == CallKindVoice {
		return "voicecall." + verb
	}
	return "call." + verb
}

// CallRequestData starts an invitation: the directory connection to ring and
// the room both sides will negotiate in once accepted.
type CallRequestData struct {
	ConnectionID int64  `json:"connectionId"`
	RoomID       string `json:"roomId"`
}

// CallRingData is delivered to the callee while the invitation is RINGING.
type CallRingData struct {
	Caller       string `json:"caller"`
	RoomID       string `json:"roomId"`
	ConnectionID int64  `json:"connectionId"`
}

// CallAnswerData resolves an invitation from the callee side (accept carries
// the room id back to the caller, reject does not).
type CallAnswerData struct {
	ConnectionID int64  `json:"connectionId"`
	RoomID       string `json:"roomId,omitempty"`
}

// CallCancelData withdraws a ringing invitation from the caller side.
type CallCancelData struct {
	ConnectionID int64 `json:"connectionId"`
}

// ErrorData is sent back to a sender whose call event could not be honored.
type ErrorData struct {
	Message string `json:"message"`
}

// NewEvent marshals data into an Event envelope. Marshal errors are
// impossible for the fixed payload types above, so they are swallowed.
func NewEvent(source string, data interface{}) Event {
	raw, _ := json.Marshal(data)
	return Event{Source: source, Data: raw}
}
