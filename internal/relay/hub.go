package relay

import (
	"sync"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
)

// Conn is one resident connection as seen by the relay. Send must not block:
// implementations queue on a buffered channel and drop when it is full.
type Conn interface {
	Handle() string
	DisplayName() string
	Send(msg models.SignalMessage)
}

// Hub routes negotiation and playback messages between the connections
// resident in this process. Membership truth lives in the Registry; the Hub
// only knows which handles are reachable here.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	log   zerolog.Logger
}

type room struct {
	id    string
	conns map[string]Conn
	// Negotiation state per ordered pair of handles, local to this process
	// like the connections themselves.
	pending   map[pairKey][]models.SignalMessage
	described map[pairKey]bool
}

// pairKey identifies the directed negotiation flow from one handle to
// another. Candidate buffering is scoped to this directed pair.
type pairKey struct {
	from string
	to   string
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		log:   log,
	}
}

// Add registers a resident connection for the room.
func (h *Hub) Add(roomID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			conns:     make(map[string]Conn),
			pending:   make(map[pairKey][]models.SignalMessage),
			described: make(map[pairKey]bool),
		}
		h.rooms[roomID] = r
	}
	r.conns[c.Handle()] = c
}

// Remove unregisters a handle and clears every queue and negotiation mark
// involving it, so state never leaks across session lifetimes.
func (h *Hub) Remove(roomID, handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(r.conns, handle)
	for key := range r.pending {
		if key.from == handle || key.to == handle {
			delete(r.pending, key)
		}
	}
	for key := range r.described {
		if key.from == handle || key.to == handle {
			delete(r.described, key)
		}
	}
	if len(r.conns) == 0 {
		delete(h.rooms, roomID)
	}
}

// Relay forwards a negotiation message to its target handle, unmodified.
//
// Descriptions (OFFER/ANSWER) are delivered immediately and mark the directed
// pair as described. Candidates for a pair that is not yet described are
// queued and flushed in arrival order the moment the description goes out;
// delivering them earlier would have the receiver discard them silently.
// Messages for a target not resident here are dropped; re-JOINing before
// negotiating is the sender's responsibility.
func (h *Hub) Relay(roomID string, msg models.SignalMessage) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		h.log.Warn().Str("room", roomID).Str("type", string(msg.Type)).Msg("relay for unknown room dropped")
		return
	}

	target, resident := r.conns[msg.To]
	if !resident {
		h.mu.Unlock()
		h.log.Warn().Str("room", roomID).Str("to", msg.To).Str("type", string(msg.Type)).
			Msg("relay target not resident, message dropped")
		return
	}

	key := pairKey{from: msg.From, to: msg.To}
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		r.described[key] = true
		flush := r.pending[key]
		delete(r.pending, key)
		h.mu.Unlock()

		target.Send(msg)
		for _, queued := range flush {
			target.Send(queued)
		}
		if len(flush) > 0 {
			h.log.Debug().Str("room", roomID).Str("from", msg.From).Str("to", msg.To).
				Int("count", len(flush)).Msg("flushed pending candidates")
		}

	case models.SignalTypeICECandidate:
		if !r.described[key] {
			r.pending[key] = append(r.pending[key], msg)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		target.Send(msg)

	default:
		h.mu.Unlock()
		h.log.Warn().Str("type", string(msg.Type)).Msg("non-negotiation message passed to relay")
	}
}

// Broadcast sends msg to every resident connection in the room except the
// excluded handle.
func (h *Hub) Broadcast(roomID string, msg models.SignalMessage, excludeHandle string) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	conns := make([]Conn, 0, len(r.conns))
	for handle, c := range r.conns {
		if handle != excludeHandle {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(msg)
	}
}

// SendTo sends msg to a single resident handle, dropping it if the handle is
// not connected to this process.
func (h *Hub) SendTo(roomID, handle string, msg models.SignalMessage) {
	h.mu.RLock()
	var target Conn
	if r, ok := h.rooms[roomID]; ok {
		target = r.conns[handle]
	}
	h.mu.RUnlock()

	if target == nil {
		h.log.Warn().Str("room", roomID).Str("to", handle).Str("type", string(msg.Type)).
			Msg("send target not resident, message dropped")
		return
	}
	target.Send(msg)
}

// BroadcastParticipants pushes the full membership snapshot to everyone in
// the room. Handles are labeled with display names where the connection is
// resident here; remote handles go out bare. Always the complete list, never
// a diff.
func (h *Hub) BroadcastParticipants(roomID string, members []string) {
	h.mu.RLock()
	r := h.rooms[roomID]
	participants := make([]models.Participant, 0, len(members))
	for _, handle := range members {
		p := models.Participant{Handle: handle}
		if r != nil {
			if c, ok := r.conns[handle]; ok {
				p.DisplayName = c.DisplayName()
			}
		}
		participants = append(participants, p)
	}
	h.mu.RUnlock()

	msg, err := models.NewSignal(models.SignalTypeParticipants, roomID,
		models.ParticipantsPayload{Participants: participants})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal participants payload")
		return
	}
	h.Broadcast(roomID, msg, "")
}
