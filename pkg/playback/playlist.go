// Package playback reconciles a shared play-head (track, position,
// play/pause) across the participants of a listen/watch-together room. The
// room initiator is the source of truth for the initial full-state sync;
// everyone else follows, compensating received positions for relay latency.
package playback

// Event types carried as playback control messages over a room socket. The
// wire names match the signaling envelope's type tags.
const (
	EventPlay         = "PLAY"
	EventPause        = "PAUSE"
	EventSeek         = "SEEK"
	EventTrackChange  = "TRACK_CHANGE"
	EventPlaylistAdd  = "PLAYLIST_ADD"
	EventPlaylistSync = "PLAYLIST_SYNC"
)

// Track is one playlist entry. MediaID references the external media source;
// nothing here fetches or decodes it.
type Track struct {
	ID        string `json:"id"`
	MediaID   string `json:"mediaId"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// TransportPayload is the body of PLAY, PAUSE and SEEK events. Timestamp is
// the sender's wall clock in Unix milliseconds at emission time.
type TransportPayload struct {
	Time       float64 `json:"time"`
	Timestamp  int64   `json:"timestamp"`
	TrackIndex int     `json:"trackIndex"`
}

// TrackChangePayload switches every participant to a new track.
type TrackChangePayload struct {
	TrackIndex int   `json:"trackIndex"`
	ShouldPlay bool  `json:"shouldPlay"`
	Timestamp  int64 `json:"timestamp"`
}

// PlaylistAddPayload appends one track. Adds are applied in arrival order by
// every participant, the sender included; concurrent adds may interleave
// differently across participants.
type PlaylistAddPayload struct {
	Track Track `json:"track"`
}

// PlaylistSyncPayload is the initiator's one-shot full-state sync, sent
// immediately after the session channel is established.
type PlaylistSyncPayload struct {
	Playlist   []Track `json:"playlist"`
	TrackIndex int     `json:"trackIndex"`
	Time       float64 `json:"time"`
	IsPlaying  bool    `json:"isPlaying"`
}

// State is a snapshot of the local play-head.
type State struct {
	TrackIndex         int
	Position           float64
	IsPlaying          bool
	LastEventTimestamp int64
}
