package models

import "encoding/json"

// SignalType enumerates every message that may travel over a room socket.
// Dispatch switches over this closed set; anything else is malformed input.
type SignalType string

const (
	// Client -> server.
	SignalTypeJoin SignalType = "JOIN"

	// Negotiation, relayed between exactly two handles.
	SignalTypeOffer        SignalType = "OFFER"
	SignalTypeAnswer       SignalType = "ANSWER"
	SignalTypeICECandidate SignalType = "ICE_CANDIDATE"

	// Server -> client room lifecycle.
	SignalTypeJoined       SignalType = "JOINED"
	SignalTypeUserJoined   SignalType = "USER_JOINED"
	SignalTypeUserLeft     SignalType = "USER_LEFT"
	SignalTypeParticipants SignalType = "PARTICIPANTS"
	SignalTypeError        SignalType = "ERROR"

	// Playback control, broadcast to the room. Payloads are owned by the
	// clients; the relay forwards them unmodified.
	SignalTypePlay         SignalType = "PLAY"
	SignalTypePause        SignalType = "PAUSE"
	SignalTypeSeek         SignalType = "SEEK"
	SignalTypeTrackChange  SignalType = "TRACK_CHANGE"
	SignalTypePlaylistAdd  SignalType = "PLAYLIST_ADD"
	SignalTypePlaylistSync SignalType = "PLAYLIST_SYNC"
)

// IsNegotiation reports whether t is a peer-to-peer negotiation message that
// must carry an explicit target handle.
func (t SignalType) IsNegotiation() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	}
	return false
}

// IsPlayback reports whether t is a playback control message broadcast to the
// whole room.
func (t SignalType) IsPlayback() bool {
	switch t {
	case SignalTypePlay, SignalTypePause, SignalTypeSeek,
		SignalTypeTrackChange, SignalTypePlaylistAdd, SignalTypePlaylistSync:
		return true
	}
	return false
}

// SignalMessage is the envelope for everything on a room socket. From/To are
// participant handles; Payload is opaque to the relay (SDP blobs, ICE
// candidates, playback control fields).
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Role is the negotiation role assigned in the JOIN acknowledgment. The first
// resident of a room is the initiator (offerer); everyone after answers.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleFollower  Role = "follower"
)

// JoinedPayload acknowledges a JOIN: the handle assigned to this connection,
// the explicit negotiation role, and the handles already resident.
type JoinedPayload struct {
	Handle string   `json:"handle"`
	Role   Role     `json:"role"`
	Peers  []string `json:"peers"`
}

// Participant pairs a routing handle with an optional display identity.
type Participant struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

// ParticipantsPayload is the full membership snapshot pushed on every
// join/leave. No diffing; the snapshot is always complete.
type ParticipantsPayload struct {
	Participants []Participant `json:"participants"`
}

// NewSignal builds a server-originated SignalMessage with a typed payload.
func NewSignal(t SignalType, roomID string, payload interface{}) (SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, err
	}
	return SignalMessage{Type: t, RoomID: roomID, Payload: raw}, nil
}
