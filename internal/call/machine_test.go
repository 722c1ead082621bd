package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records delivered events per user. Users listed in offline are
// reported unreachable.
type fakeSender struct {
	mu      sync.Mutex
	events  map[string][]models.Event
	offline map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		events:  make(map[string][]models.Event),
		offline: make(map[string]bool),
	}
}

func (s *fakeSender) SendToUser(username string, ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline[username] {
		return false
	}
	s.events[username] = append(s.events[username], ev)
	return true
}

func (s *fakeSender) sources(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events[username]))
	for i, ev := range s.events[username] {
		out[i] = ev.Source
	}
	return out
}

func (s *fakeSender) last(t *testing.T, username string) models.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[username]
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

type recordNotifier struct {
	mu    sync.Mutex
	rings []string
}

func (n *recordNotifier) Ring(_ context.Context, callee string, _ models.CallKind, _ models.CallRingData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rings = append(n.rings, callee)
	return nil
}

var testDirectory = StaticDirectory{
	1: {ID: 1, UserA: "alice", UserB: "bob"},
	2: {ID: 2, UserA: "carol", UserB: "alice"},
}

func newTestMachine(sender Sender, notifier Notifier, ringTimeout time.Duration) *Machine {
	return NewMachine(testDirectory, sender, notifier, ringTimeout, zerolog.Nop())
}

func TestRequestRingsCallee(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)

	err := m.Request(context.Background(), "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"})
	require.NoError(t, err)

	state, ok := m.State(1)
	require.True(t, ok)
	assert.Equal(t, StateRinging, state)

	ring := sender.last(t, "bob")
	assert.Equal(t, "call.request", ring.Source)

	var data models.CallRingData
	require.NoError(t, json.Unmarshal(ring.Data, &data))
	assert.Equal(t, models.CallRingData{Caller: "alice", RoomID: "room-1", ConnectionID: 1}, data)
}

func TestRequestVoiceUsesVoicePrefix(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)

	err := m.Request(context.Background(), "alice", models.CallKindVoice,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"voicecall.request"}, sender.sources("bob"))
}

func TestRequestUnknownConnection(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)

	err := m.Request(context.Background(), "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 99})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Equal(t, []string{models.SourceError}, sender.sources("alice"))

	// A caller who is not on the connection cannot ring it.
	err = m.Request(context.Background(), "mallory", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Empty(t, sender.sources("bob"))
}

func TestRequestDuplicateRejected(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	err := m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-2"})
	assert.ErrorIs(t, err, ErrCallInProgress)

	assert.Equal(t, []string{models.SourceError}, sender.sources("alice"))
	assert.Len(t, sender.sources("bob"), 1)
}

func TestRequestUnreachableCallee(t *testing.T) {
	sender := newFakeSender()
	notifier := &recordNotifier{}
	m := newTestMachine(sender, notifier, time.Minute)

	sender.offline["bob"] = true
	err := m.Request(context.Background(), "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"})
	assert.ErrorIs(t, err, ErrUnreachable)

	// No invitation lingers and the caller is told explicitly.
	_, ok := m.State(1)
	assert.False(t, ok)
	assert.Equal(t, []string{"call.unreachable"}, sender.sources("alice"))
	assert.Equal(t, []string{"bob"}, notifier.rings)
}

func TestAcceptNotifiesCallerWithRoom(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	m.Accept(ctx, "bob", models.CallAnswerData{ConnectionID: 1})

	accept := sender.last(t, "alice")
	assert.Equal(t, "call.accept", accept.Source)
	var data models.CallAnswerData
	require.NoError(t, json.Unmarshal(accept.Data, &data))
	assert.Equal(t, "room-1", data.RoomID)
	assert.Equal(t, int64(1), data.ConnectionID)

	_, ok := m.State(1)
	assert.False(t, ok)

	// A duplicate accept must not re-notify.
	m.Accept(ctx, "bob", models.CallAnswerData{ConnectionID: 1})
	assert.Len(t, sender.sources("alice"), 1)
}

func TestOnlyCalleeMayAnswer(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	m.Accept(ctx, "alice", models.CallAnswerData{ConnectionID: 1})
	m.Reject(ctx, "alice", models.CallCancelData{ConnectionID: 1})
	m.Cancel(ctx, "bob", models.CallCancelData{ConnectionID: 1})

	state, ok := m.State(1)
	require.True(t, ok)
	assert.Equal(t, StateRinging, state)
}

func TestCancelDismissesCallee(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVoice,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	m.Cancel(ctx, "alice", models.CallCancelData{ConnectionID: 1})

	assert.Equal(t, []string{"voicecall.request", "voicecall.cancel"}, sender.sources("bob"))
	_, ok := m.State(1)
	assert.False(t, ok)

	// A reject racing in after the cancel won is silent.
	m.Reject(ctx, "bob", models.CallCancelData{ConnectionID: 1})
	assert.Empty(t, sender.sources("alice"))
}

func TestFirstTerminalTransitionWins(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Accept(ctx, "bob", models.CallAnswerData{ConnectionID: 1})
	}()
	go func() {
		defer wg.Done()
		m.Reject(ctx, "bob", models.CallCancelData{ConnectionID: 1})
	}()
	wg.Wait()

	// Exactly one outcome reaches the caller.
	caller := sender.sources("alice")
	require.Len(t, caller, 1)
	assert.Contains(t, []string{"call.accept", "call.reject"}, caller[0])
}

func TestRingTimesOut(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))

	require.Eventually(t, func() bool {
		_, ok := m.State(1)
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"call.timeout"}, sender.sources("alice"))
	assert.Equal(t, []string{"call.request", "call.cancel"}, sender.sources("bob"))

	// A late accept after the timeout is silent.
	m.Accept(ctx, "bob", models.CallAnswerData{ConnectionID: 1})
	assert.Len(t, sender.sources("alice"), 1)
}

func TestDisconnectResolvesBothDirections(t *testing.T) {
	sender := newFakeSender()
	m := newTestMachine(sender, nil, time.Minute)
	ctx := context.Background()

	// alice is ringing bob and being rung by carol.
	require.NoError(t, m.Request(ctx, "alice", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 1, RoomID: "room-1"}))
	require.NoError(t, m.Request(ctx, "carol", models.CallKindVideo,
		models.CallRequestData{ConnectionID: 2, RoomID: "room-2"}))

	m.HandleDisconnect(ctx, "alice")

	assert.Equal(t, []string{"call.request", "call.cancel"}, sender.sources("bob"))
	assert.Equal(t, []string{"call.reject"}, sender.sources("carol"))

	_, ok := m.State(1)
	assert.False(t, ok)
	_, ok = m.State(2)
	assert.False(t, ok)
}
