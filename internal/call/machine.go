package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
)

// State of a call invitation. RINGING is the only non-terminal state; exactly
// one terminal transition wins and every later event is a no-op.
type State string

const (
	StateRinging  State = "RINGING"
	StateAccepted State = "ACCEPTED"
	StateRejected State = "REJECTED"
	StateCanceled State = "CANCELED"
	StateTimedOut State = "TIMED_OUT"
)

var (
	ErrCallInProgress = errors.New("call already in progress on this connection")
	ErrUnreachable    = errors.New("recipient has no resident connection")
)

// Sender delivers an event to every resident connection of a user and
// reports whether at least one was reachable.
type Sender interface {
	SendToUser(username string, ev models.Event) bool
}

type invitation struct {
	mu     sync.Mutex
	connID int64
	caller string
	callee string
	roomID string
	kind   models.CallKind
	state  State
	timer  *time.Timer
}

// terminate moves an invitation into a terminal state if it is still
// RINGING, canceling the ring timer in the same critical section so a stale
// timeout can never fire afterwards. Returns false if a terminal transition
// already won.
func (inv *invitation) terminate(to State) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateRinging {
		return false
	}
	inv.state = to
	if inv.timer != nil {
		inv.timer.Stop()
		inv.timer = nil
	}
	return true
}

// Machine is the server-mediated invitation state machine layered on top of
// the events socket. Invitations are keyed by directory connection ID.
type Machine struct {
	mu          sync.Mutex
	invitations map[int64]*invitation

	directory   Directory
	sender      Sender
	notifier    Notifier
	ringTimeout time.Duration
	log         zerolog.Logger
}

func NewMachine(directory Directory, sender Sender, notifier Notifier, ringTimeout time.Duration, log zerolog.Logger) *Machine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Machine{
		invitations: make(map[int64]*invitation),
		directory:   directory,
		sender:      sender,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		log:         log,
	}
}

// Request creates a RINGING invitation and delivers a ring event to the
// callee. If the callee has no resident connection the invitation is not
// created: the caller gets an explicit unreachable event and the push hook
// is given a chance to escalate.
func (m *Machine) Request(ctx context.Context, caller string, kind models.CallKind, data models.CallRequestData) error {
	conn, err := m.directory.Resolve(ctx, data.ConnectionID)
	if err != nil {
		m.sendError(caller, "Connection not found")
		return err
	}
	callee, ok := conn.Peer(caller)
	if !ok {
		m.sendError(caller, "Connection not found")
		return ErrConnectionNotFound
	}

	inv := &invitation{
		connID: data.ConnectionID,
		caller: caller,
		callee: callee,
		roomID: data.RoomID,
		kind:   kind,
		state:  StateRinging,
	}

	m.mu.Lock()
	if _, exists := m.invitations[data.ConnectionID]; exists {
		m.mu.Unlock()
		m.sendError(caller, "Call already in progress")
		return ErrCallInProgress
	}
	m.invitations[data.ConnectionID] = inv
	m.mu.Unlock()

	ring := models.CallRingData{
		Caller:       caller,
		RoomID:       data.RoomID,
		ConnectionID: data.ConnectionID,
	}
	if !m.sender.SendToUser(callee, models.NewEvent(models.CallSource(kind, "request"), ring)) {
		m.remove(data.ConnectionID)
		m.sender.SendToUser(caller, models.NewEvent(models.CallSource(kind, "unreachable"),
			models.CallCancelData{ConnectionID: data.ConnectionID}))
		if err := m.notifier.Ring(ctx, callee, kind, ring); err != nil {
			m.log.Warn().Err(err).Str("callee", callee).Msg("push escalation failed")
		}
		return ErrUnreachable
	}

	inv.mu.Lock()
	if inv.state == StateRinging {
		inv.timer = time.AfterFunc(m.ringTimeout, func() { m.timeout(data.ConnectionID) })
	}
	inv.mu.Unlock()

	m.log.Info().Str("caller", caller).Str("callee", callee).
		Int64("connection", data.ConnectionID).Str("room", data.RoomID).
		Str("kind", string(kind)).Msg("call ringing")
	return nil
}

// Accept transitions RINGING -> ACCEPTED and notifies the caller with the
// room ID so both sides proceed to negotiation. Only the callee may accept;
// a duplicate or late accept is a silent no-op and must not re-notify.
func (m *Machine) Accept(_ context.Context, actor string, data models.CallAnswerData) {
	inv := m.lookup(data.ConnectionID)
	if inv == nil || actor != inv.callee {
		return
	}
	if !inv.terminate(StateAccepted) {
		return
	}
	m.remove(inv.connID)
	m.sender.SendToUser(inv.caller, models.NewEvent(models.CallSource(inv.kind, "accept"),
		models.CallAnswerData{ConnectionID: inv.connID, RoomID: inv.roomID}))
	m.log.Info().Str("caller", inv.caller).Str("callee", inv.callee).
		Int64("connection", inv.connID).Msg("call accepted")
}

// Reject transitions RINGING -> REJECTED and notifies the caller.
func (m *Machine) Reject(_ context.Context, actor string, data models.CallCancelData) {
	inv := m.lookup(data.ConnectionID)
	if inv == nil || actor != inv.callee {
		return
	}
	if !inv.terminate(StateRejected) {
		return
	}
	m.remove(inv.connID)
	m.sender.SendToUser(inv.caller, models.NewEvent(models.CallSource(inv.kind, "reject"),
		models.CallCancelData{ConnectionID: inv.connID}))
	m.log.Info().Str("caller", inv.caller).Str("callee", inv.callee).
		Int64("connection", inv.connID).Msg("call rejected")
}

// Cancel transitions RINGING -> CANCELED and notifies the callee so the ring
// UI is dismissed.
func (m *Machine) Cancel(_ context.Context, actor string, data models.CallCancelData) {
	inv := m.lookup(data.ConnectionID)
	if inv == nil || actor != inv.caller {
		return
	}
	if !inv.terminate(StateCanceled) {
		return
	}
	m.remove(inv.connID)
	m.sender.SendToUser(inv.callee, models.NewEvent(models.CallSource(inv.kind, "cancel"),
		models.CallCancelData{ConnectionID: inv.connID}))
	m.log.Info().Str("caller", inv.caller).Str("callee", inv.callee).
		Int64("connection", inv.connID).Msg("call canceled")
}

// timeout fires when no accept/reject arrived in time. Both sides are
// notified: the callee equivalently to a cancel, the caller with a timeout.
func (m *Machine) timeout(connID int64) {
	inv := m.lookup(connID)
	if inv == nil {
		return
	}
	if !inv.terminate(StateTimedOut) {
		return
	}
	m.remove(connID)
	m.sender.SendToUser(inv.caller, models.NewEvent(models.CallSource(inv.kind, "timeout"),
		models.CallCancelData{ConnectionID: connID}))
	m.sender.SendToUser(inv.callee, models.NewEvent(models.CallSource(inv.kind, "cancel"),
		models.CallCancelData{ConnectionID: connID}))
	m.log.Info().Str("caller", inv.caller).Str("callee", inv.callee).
		Int64("connection", connID).Msg("call timed out")
}

// HandleDisconnect treats a dropped connection as an implicit cancel for
// every ring the user started and an implicit reject for every ring aimed at
// them, so the remote party is told instead of waiting out the timer.
func (m *Machine) HandleDisconnect(ctx context.Context, username string) {
	m.mu.Lock()
	var involved []*invitation
	for _, inv := range m.invitations {
		if inv.caller == username || inv.callee == username {
			involved = append(involved, inv)
		}
	}
	m.mu.Unlock()

	for _, inv := range involved {
		if inv.caller == username {
			m.Cancel(ctx, username, models.CallCancelData{ConnectionID: inv.connID})
		} else {
			m.Reject(ctx, username, models.CallCancelData{ConnectionID: inv.connID})
		}
	}
}

// State returns the live invitation state for a connection ID, for
// observability endpoints and tests.
func (m *Machine) State(connID int64) (State, bool) {
	inv := m.lookup(connID)
	if inv == nil {
		return "", false
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state, true
}

func (m *Machine) lookup(connID int64) *invitation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invitations[connID]
}

func (m *Machine) remove(connID int64) {
	m.mu.Lock()
	delete(m.invitations, connID)
	m.mu.Unlock()
}

func (m *Machine) sendError(username, message string) {
	m.sender.SendToUser(username, models.NewEvent(models.SourceError, models.ErrorData{Message: message}))
}
