package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kinakaase/signaling/internal/models"
	"github.com/kinakaase/signaling/internal/registry"
	"github.com/kinakaase/signaling/internal/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignalingServer(t *testing.T, maxParticipants int) (*httptest.Server, *registry.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := registry.NewMemoryStore()
	reg := registry.New(store, time.Hour, zerolog.Nop())
	hub := relay.NewHub(zerolog.Nop())
	rooms := NewRooms(store, time.Hour, maxParticipants, zerolog.Nop())
	gateway := NewRoomGateway(rooms, reg, hub, zerolog.Nop())

	router := gin.New()
	router.GET("/ws/rooms/:roomId", gateway.HandleSignaling)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	require.NoError(t, store.CreateRoom(context.Background(), models.RoomMetadata{
		ID:              "room-1",
		Code:            "ABC234",
		CreatorID:       "tester",
		MaxParticipants: maxParticipants,
	}, time.Hour))

	return srv, store
}

func dialRoom(t *testing.T, srv *httptest.Server, identifier string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + identifier
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips interleaved traffic until a message of the wanted type
// arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want models.SignalType) models.SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg models.SignalMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", want)
		if msg.Type == want {
			return msg
		}
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn) models.JoinedPayload {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.SignalMessage{Type: models.SignalTypeJoin}))
	ack := readUntil(t, conn, models.SignalTypeJoined)

	var payload models.JoinedPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	require.NotEmpty(t, payload.Handle)
	return payload
}

func TestJoinHandshakeAssignsRoles(t *testing.T) {
	srv, _ := newSignalingServer(t, 8)

	a := dialRoom(t, srv, "room-1")
	aJoined := joinRoom(t, a)
	assert.Equal(t, models.RoleInitiator, aJoined.Role)
	assert.Empty(t, aJoined.Peers)

	b := dialRoom(t, srv, "ABC234") // short code resolves to the same room
	bJoined := joinRoom(t, b)
	assert.Equal(t, models.RoleFollower, bJoined.Role)
	assert.Equal(t, []string{aJoined.Handle}, bJoined.Peers)

	// The first resident hears about the arrival and gets the snapshot.
	joined := readUntil(t, a, models.SignalTypeUserJoined)
	var arrived string
	require.NoError(t, json.Unmarshal(joined.Payload, &arrived))
	assert.Equal(t, bJoined.Handle, arrived)

	snapshot := readUntil(t, a, models.SignalTypeParticipants)
	var participants models.ParticipantsPayload
	require.NoError(t, json.Unmarshal(snapshot.Payload, &participants))
	assert.Len(t, participants.Participants, 2)
}

func TestNegotiationRelayAndCandidateBuffering(t *testing.T) {
	srv, _ := newSignalingServer(t, 8)

	a := dialRoom(t, srv, "room-1")
	aJoined := joinRoom(t, a)
	b := dialRoom(t, srv, "room-1")
	bJoined := joinRoom(t, b)

	// Follower offers to the initiator.
	offer, _ := json.Marshal(map[string]string{"sdp": "offer-sdp"})
	require.NoError(t, b.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeOffer, To: aJoined.Handle, Payload: offer,
	}))
	got := readUntil(t, a, models.SignalTypeOffer)
	assert.Equal(t, bJoined.Handle, got.From)
	assert.JSONEq(t, string(offer), string(got.Payload))

	// Candidates sent ahead of the answer are held until it goes out.
	c1, _ := json.Marshal(map[string]string{"candidate": "c1"})
	c2, _ := json.Marshal(map[string]string{"candidate": "c2"})
	answer, _ := json.Marshal(map[string]string{"sdp": "answer-sdp"})
	require.NoError(t, a.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeICECandidate, To: bJoined.Handle, Payload: c1,
	}))
	require.NoError(t, a.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeICECandidate, To: bJoined.Handle, Payload: c2,
	}))
	require.NoError(t, a.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeAnswer, To: bJoined.Handle, Payload: answer,
	}))

	gotAnswer := readUntil(t, b, models.SignalTypeAnswer)
	assert.JSONEq(t, string(answer), string(gotAnswer.Payload))

	var first, second models.SignalMessage
	require.NoError(t, b.ReadJSON(&first))
	require.NoError(t, b.ReadJSON(&second))
	assert.Equal(t, models.SignalTypeICECandidate, first.Type)
	assert.Equal(t, models.SignalTypeICECandidate, second.Type)
	assert.JSONEq(t, string(c1), string(first.Payload))
	assert.JSONEq(t, string(c2), string(second.Payload))
}

func TestPlaybackControlReachesEveryoneIncludingSender(t *testing.T) {
	srv, _ := newSignalingServer(t, 8)

	a := dialRoom(t, srv, "room-1")
	joinRoom(t, a)
	b := dialRoom(t, srv, "room-1")
	bJoined := joinRoom(t, b)

	payload, _ := json.Marshal(map[string]interface{}{"time": 12.5, "timestamp": 1, "trackIndex": 0})
	require.NoError(t, b.WriteJSON(models.SignalMessage{
		Type: models.SignalTypePlay, Payload: payload,
	}))

	forA := readUntil(t, a, models.SignalTypePlay)
	assert.Equal(t, bJoined.Handle, forA.From)

	echo := readUntil(t, b, models.SignalTypePlay)
	assert.Equal(t, bJoined.Handle, echo.From)
	assert.JSONEq(t, string(payload), string(echo.Payload))
}

func TestDisconnectIsAnImplicitLeave(t *testing.T) {
	srv, store := newSignalingServer(t, 8)

	a := dialRoom(t, srv, "room-1")
	joinRoom(t, a)
	b := dialRoom(t, srv, "room-1")
	bJoined := joinRoom(t, b)

	require.NoError(t, b.Close())

	left := readUntil(t, a, models.SignalTypeUserLeft)
	var departed string
	require.NoError(t, json.Unmarshal(left.Payload, &departed))
	assert.Equal(t, bJoined.Handle, departed)

	snapshot := readUntil(t, a, models.SignalTypeParticipants)
	var participants models.ParticipantsPayload
	require.NoError(t, json.Unmarshal(snapshot.Payload, &participants))
	assert.Len(t, participants.Participants, 1)

	require.Eventually(t, func() bool {
		members, err := store.Members(context.Background(), "room-1")
		return err == nil && len(members) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullRoomRefusesUpgrade(t *testing.T) {
	srv, _ := newSignalingServer(t, 1)

	a := dialRoom(t, srv, "room-1")
	joinRoom(t, a)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/room-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 409, resp.StatusCode)
}

func TestUnknownRoomRefusesUpgrade(t *testing.T) {
	srv, _ := newSignalingServer(t, 8)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/no-such-room"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestNegotiationRequiresJoinAndTarget(t *testing.T) {
	srv, _ := newSignalingServer(t, 8)

	a := dialRoom(t, srv, "room-1")
	aJoined := joinRoom(t, a)

	// An un-joined connection cannot negotiate; its traffic is dropped.
	stranger := dialRoom(t, srv, "room-1")
	offer, _ := json.Marshal(map[string]string{"sdp": "offer-sdp"})
	require.NoError(t, stranger.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeOffer, To: aJoined.Handle, Payload: offer,
	}))

	// A joined connection still needs an explicit target.
	b := dialRoom(t, srv, "room-1")
	joinRoom(t, b)
	require.NoError(t, b.WriteJSON(models.SignalMessage{
		Type: models.SignalTypeOffer, Payload: offer,
	}))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var msg models.SignalMessage
		if err := a.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, models.SignalTypeOffer, msg.Type)
	}
}
