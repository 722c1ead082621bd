package relay

import (
	"encoding/json"
	"testing"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordConn records everything sent to it.
type recordConn struct {
	handle      string
	displayName string
	received    []models.SignalMessage
}

func (c *recordConn) Handle() string                { return c.handle }
func (c *recordConn) DisplayName() string           { return c.displayName }
func (c *recordConn) Send(msg models.SignalMessage) { c.received = append(c.received, msg) }

func (c *recordConn) types() []models.SignalType {
	out := make([]models.SignalType, len(c.received))
	for i, m := range c.received {
		out[i] = m.Type
	}
	return out
}

func negotiation(t models.SignalType, from, to, marker string) models.SignalMessage {
	payload, _ := json.Marshal(marker)
	return models.SignalMessage{Type: t, From: from, To: to, RoomID: "room-1", Payload: payload}
}

func TestRelayQueuesCandidatesUntilDescribed(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice"}
	bob := &recordConn{handle: "bob"}
	hub.Add("room-1", alice)
	hub.Add("room-1", bob)

	// Candidates ahead of the offer are held back.
	hub.Relay("room-1", negotiation(models.SignalTypeICECandidate, "alice", "bob", "c1"))
	hub.Relay("room-1", negotiation(models.SignalTypeICECandidate, "alice", "bob", "c2"))
	assert.Empty(t, bob.received)

	hub.Relay("room-1", negotiation(models.SignalTypeOffer, "alice", "bob", "offer"))

	require.Len(t, bob.received, 3)
	assert.Equal(t, []models.SignalType{
		models.SignalTypeOffer,
		models.SignalTypeICECandidate,
		models.SignalTypeICECandidate,
	}, bob.types())

	// Queued candidates flush in arrival order.
	var first, second string
	require.NoError(t, json.Unmarshal(bob.received[1].Payload, &first))
	require.NoError(t, json.Unmarshal(bob.received[2].Payload, &second))
	assert.Equal(t, "c1", first)
	assert.Equal(t, "c2", second)

	// After the description the pair is open; candidates pass straight through.
	hub.Relay("room-1", negotiation(models.SignalTypeICECandidate, "alice", "bob", "c3"))
	assert.Len(t, bob.received, 4)
}

func TestRelayBuffersPerDirectedPair(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice"}
	bob := &recordConn{handle: "bob"}
	hub.Add("room-1", alice)
	hub.Add("room-1", bob)

	hub.Relay("room-1", negotiation(models.SignalTypeOffer, "alice", "bob", "offer"))

	// alice->bob is described; bob->alice is not.
	hub.Relay("room-1", negotiation(models.SignalTypeICECandidate, "bob", "alice", "c1"))
	assert.Empty(t, alice.received)

	hub.Relay("room-1", negotiation(models.SignalTypeAnswer, "bob", "alice", "answer"))
	assert.Equal(t, []models.SignalType{
		models.SignalTypeAnswer,
		models.SignalTypeICECandidate,
	}, alice.types())
}

func TestRelayDropsUnknownTarget(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice"}
	hub.Add("room-1", alice)

	hub.Relay("room-1", negotiation(models.SignalTypeOffer, "alice", "ghost", "offer"))
	hub.Relay("nowhere", negotiation(models.SignalTypeOffer, "alice", "alice", "offer"))

	assert.Empty(t, alice.received)
}

func TestRemoveClearsNegotiationState(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice"}
	bob := &recordConn{handle: "bob"}
	hub.Add("room-1", alice)
	hub.Add("room-1", bob)

	hub.Relay("room-1", negotiation(models.SignalTypeICECandidate, "alice", "bob", "stale"))
	hub.Remove("room-1", "alice")

	// The same handle reconnects; a fresh offer must not replay the stale
	// candidate from the previous session.
	hub.Add("room-1", &recordConn{handle: "alice"})
	hub.Relay("room-1", negotiation(models.SignalTypeOffer, "alice", "bob", "offer"))

	require.Len(t, bob.received, 1)
	assert.Equal(t, models.SignalTypeOffer, bob.received[0].Type)
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice"}
	bob := &recordConn{handle: "bob"}
	carol := &recordConn{handle: "carol"}
	hub.Add("room-1", alice)
	hub.Add("room-1", bob)
	hub.Add("room-1", carol)

	msg := models.SignalMessage{Type: models.SignalTypeUserJoined, From: "alice", RoomID: "room-1"}
	hub.Broadcast("room-1", msg, "alice")

	assert.Empty(t, alice.received)
	assert.Len(t, bob.received, 1)
	assert.Len(t, carol.received, 1)

	// An empty exclude delivers to everyone, the sender included.
	hub.Broadcast("room-1", models.SignalMessage{Type: models.SignalTypePlay, From: "bob"}, "")
	assert.Len(t, alice.received, 1)
	assert.Len(t, bob.received, 2)
}

func TestBroadcastParticipantsLabelsResidentHandles(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := &recordConn{handle: "alice", displayName: "Alice"}
	hub.Add("room-1", alice)

	hub.BroadcastParticipants("room-1", []string{"alice", "remote-handle"})

	require.Len(t, alice.received, 1)
	assert.Equal(t, models.SignalTypeParticipants, alice.received[0].Type)

	var snapshot models.ParticipantsPayload
	require.NoError(t, json.Unmarshal(alice.received[0].Payload, &snapshot))
	assert.Equal(t, []models.Participant{
		{Handle: "alice", DisplayName: "Alice"},
		{Handle: "remote-handle"},
	}, snapshot.Participants)
}
