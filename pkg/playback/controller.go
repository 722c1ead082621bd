package playback

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Player abstracts the local media surface the controller drives. Position
// and Duration are in seconds; Duration returns 0 while unknown.
type Player interface {
	Load(track Track)
	SeekTo(seconds float64)
	Play()
	Pause()
	Position() float64
	Duration() float64
}

// Sender emits a playback control event toward the other participants.
type Sender interface {
	SendControl(eventType string, payload interface{}) error
}

// Controller keeps the local play-head consistent with the room. Local user
// actions go through the Toggle/Seek/ChangeTrack/AddTrack methods, which
// apply and emit; remote events come in through Apply. All methods are safe
// for concurrent use.
type Controller struct {
	mu     sync.Mutex
	player Player
	sender Sender
	log    zerolog.Logger
	now    func() time.Time

	playlist   []Track
	trackIndex int
	isPlaying  bool
	lastEvent  int64

	initiator       bool
	initialSyncSent bool
	syncedOnce      bool
}

// Options tune a Controller. The zero value is a follower with wall-clock
// time and a disabled logger.
type Options struct {
	Initiator bool
	Logger    *zerolog.Logger
	Now       func() time.Time
}

func NewController(player Player, sender Sender, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Controller{
		player:    player,
		sender:    sender,
		log:       log,
		now:       now,
		initiator: opts.Initiator,
	}
}

// SetInitiator records the role assigned in the JOIN acknowledgment.
func (c *Controller) SetInitiator(initiator bool) {
	c.mu.Lock()
	c.initiator = initiator
	c.mu.Unlock()
}

// OnConnected sends the initiator's one-shot full-state sync once the session
// channel is up. Followers do nothing here.
func (c *Controller) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initiator || c.initialSyncSent {
		return
	}
	c.initialSyncSent = true
	c.emit(EventPlaylistSync, PlaylistSyncPayload{
		Playlist:   append([]Track(nil), c.playlist...),
		TrackIndex: c.trackIndex,
		Time:       c.player.Position(),
		IsPlaying:  c.isPlaying,
	})
}

// TogglePlay flips play/pause locally and tells the room.
func (c *Controller) TogglePlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.playlist) == 0 {
		return
	}

	eventType := EventPlay
	if c.isPlaying {
		eventType = EventPause
	}
	payload := TransportPayload{
		Time:       c.player.Position(),
		Timestamp:  c.nowMillis(),
		TrackIndex: c.trackIndex,
	}
	c.emit(eventType, payload)

	c.isPlaying = !c.isPlaying
	if c.isPlaying {
		c.player.Play()
	} else {
		c.player.Pause()
	}
}

// Seek moves the local position, clamped to the track, and tells the room.
func (c *Controller) Seek(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seconds = clamp(seconds, c.player.Duration())
	c.emit(EventSeek, TransportPayload{
		Time:       seconds,
		Timestamp:  c.nowMillis(),
		TrackIndex: c.trackIndex,
	})
	c.player.SeekTo(seconds)
}

// ChangeTrack switches to the playlist entry at index. Out-of-range indexes
// are ignored.
func (c *Controller) ChangeTrack(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeTrack(index, c.isPlaying, true)
}

// AddTrack proposes a playlist append. The track is not applied locally here:
// the relay echoes the add back to every participant, the sender included, so
// all playlists grow in arrival order.
func (c *Controller) AddTrack(track Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(EventPlaylistAdd, PlaylistAddPayload{Track: track})
}

// Apply dispatches a received playback control event. Unknown event types
// are reported as malformed input; the session stays up.
func (c *Controller) Apply(eventType string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch eventType {
	case EventPlay, EventPause:
		var p TransportPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parse %s payload: %w", eventType, err)
		}
		c.applyTransport(p, eventType == EventPlay)
	case EventSeek:
		var p TransportPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parse SEEK payload: %w", err)
		}
		c.applySeek(p)
	case EventTrackChange:
		var p TrackChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parse TRACK_CHANGE payload: %w", err)
		}
		c.changeTrack(p.TrackIndex, p.ShouldPlay, false)
		c.lastEvent = p.Timestamp
	case EventPlaylistAdd:
		var p PlaylistAddPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parse PLAYLIST_ADD payload: %w", err)
		}
		c.playlist = append(c.playlist, p.Track)
	case EventPlaylistSync:
		var p PlaylistSyncPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parse PLAYLIST_SYNC payload: %w", err)
		}
		c.applyInitialSync(p)
	default:
		return fmt.Errorf("unknown playback event %q", eventType)
	}
	return nil
}

// applyTransport handles a remote PLAY or PAUSE: compensate the carried
// position for one-way latency, align the track if it differs, then adopt
// the play state.
func (c *Controller) applyTransport(p TransportPayload, play bool) {
	if p.TrackIndex != c.trackIndex {
		c.changeTrack(p.TrackIndex, play, false)
	}
	c.player.SeekTo(c.compensate(p.Time, p.Timestamp))
	c.isPlaying = play
	if play {
		c.player.Play()
	} else {
		c.player.Pause()
	}
	c.lastEvent = p.Timestamp
}

// applySeek is authoritative over the local position regardless of the local
// play state.
func (c *Controller) applySeek(p TransportPayload) {
	if p.TrackIndex != c.trackIndex {
		c.changeTrack(p.TrackIndex, c.isPlaying, false)
	}
	c.player.SeekTo(c.compensate(p.Time, p.Timestamp))
	c.lastEvent = p.Timestamp
}

// applyInitialSync adopts the initiator's full state exactly once. The
// initiator ignores echoes of its own sync, and a follower that already
// synced ignores a late re-delivery so it cannot clobber an in-progress
// session.
func (c *Controller) applyInitialSync(p PlaylistSyncPayload) {
	if c.initiator || c.syncedOnce {
		return
	}
	c.syncedOnce = true

	c.playlist = append([]Track(nil), p.Playlist...)
	if p.TrackIndex >= 0 && p.TrackIndex < len(c.playlist) {
		c.trackIndex = p.TrackIndex
		c.player.Load(c.playlist[c.trackIndex])
	}
	c.player.SeekTo(clamp(p.Time, c.player.Duration()))
	c.isPlaying = p.IsPlaying
	if p.IsPlaying {
		c.player.Play()
	} else {
		c.player.Pause()
	}
}

// Tick is the per-progress callback: feed it the current position and
// duration whenever the player reports progress. When the track has under a
// second left the controller autonomously advances and announces the change;
// participants racing to the same conclusion is harmless because a repeated
// change to the same index is a no-op.
func (c *Controller) Tick(position, duration float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if duration > 0 && position >= duration-1 {
		c.changeTrack(c.trackIndex+1, c.isPlaying, true)
	}
}

// changeTrack is the single implementation behind local, remote and
// autonomous track switches. Switching to the already-current index is a
// no-op so duplicate TRACK_CHANGE deliveries converge.
func (c *Controller) changeTrack(index int, shouldPlay bool, emit bool) {
	if index < 0 || index >= len(c.playlist) || index == c.trackIndex {
		return
	}
	if emit {
		c.emit(EventTrackChange, TrackChangePayload{
			TrackIndex: index,
			ShouldPlay: shouldPlay,
			Timestamp:  c.nowMillis(),
		})
	}
	c.trackIndex = index
	c.player.Load(c.playlist[index])
	c.player.SeekTo(0)
	c.isPlaying = shouldPlay
	if shouldPlay {
		c.player.Play()
	} else {
		c.player.Pause()
	}
}

// compensate estimates the sender's play-head now: the carried position plus
// half the wall-clock gap between emission and receipt (one-way delay under
// a symmetric-path assumption), clamped to the track.
func (c *Controller) compensate(position float64, timestamp int64) float64 {
	delay := float64(c.nowMillis()-timestamp) / 2 / 1000
	if delay < 0 {
		// Clock skew can make the gap negative; never compensate backwards.
		delay = 0
	}
	return clamp(position+delay, c.player.Duration())
}

func (c *Controller) emit(eventType string, payload interface{}) {
	if err := c.sender.SendControl(eventType, payload); err != nil {
		c.log.Warn().Err(err).Str("event", eventType).Msg("send playback control")
	}
}

func (c *Controller) nowMillis() int64 {
	return c.now().UnixMilli()
}

// Playlist returns a copy of the local playlist.
func (c *Controller) Playlist() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Track(nil), c.playlist...)
}

// Snapshot returns the local play-head state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		TrackIndex:         c.trackIndex,
		Position:           c.player.Position(),
		IsPlaying:          c.isPlaying,
		LastEventTimestamp: c.lastEvent,
	}
}

func clamp(seconds, duration float64) float64 {
	if seconds < 0 {
		return 0
	}
	if duration > 0 && seconds > duration {
		return duration
	}
	return seconds
}
