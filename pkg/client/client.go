// Package client is a Go client for the room signaling socket. It handles
// the join handshake, exposes callbacks for negotiation and presence
// traffic, and can drive a playback.Controller from room control messages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kinakaase/signaling/pkg/playback"
	"github.com/rs/zerolog"
)

// Message is the wire envelope for everything on a room socket.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Message types accepted by the server.
const (
	TypeJoin         = "JOIN"
	TypeOffer        = "OFFER"
	TypeAnswer       = "ANSWER"
	TypeICECandidate = "ICE_CANDIDATE"
	TypeJoined       = "JOINED"
	TypeUserJoined   = "USER_JOINED"
	TypeUserLeft     = "USER_LEFT"
	TypeParticipants = "PARTICIPANTS"
	TypeError        = "ERROR"
)

// RoleInitiator marks the first resident of a room; it opens negotiation
// toward later arrivals and seeds the shared playback state.
const (
	RoleInitiator = "initiator"
	RoleFollower  = "follower"
)

// JoinedInfo is the server's acknowledgment of the join handshake.
type JoinedInfo struct {
	Handle string   `json:"handle"`
	Role   string   `json:"role"`
	Peers  []string `json:"peers"`
}

// Participant is one entry of a membership snapshot.
type Participant struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

type participantsPayload struct {
	Participants []Participant `json:"participants"`
}

// Options configures a Client. All callbacks are optional and run on the
// client's read goroutine, so they must not block on the connection.
type Options struct {
	DisplayName string

	// Controller, when set, receives playback control messages via Apply
	// and its role from the join handshake.
	Controller *playback.Controller

	Logger *zerolog.Logger

	OnJoined       func(JoinedInfo)
	OnPeerJoined   func(handle string)
	OnPeerLeft     func(handle string)
	OnParticipants func([]Participant)
	OnOffer        func(from string, payload json.RawMessage)
	OnAnswer       func(from string, payload json.RawMessage)
	OnCandidate    func(from string, payload json.RawMessage)
	OnError        func(message string)
	OnDisconnect   func(err error)
}

// Client is one connection to a room. Safe for concurrent sends.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	handle string
	role   string
	closed bool

	done chan struct{}
}

// New builds an unconnected client. A playback controller whose Sender is
// this client can be attached before Connect.
func New(opts Options) *Client {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
}

// AttachController wires the playback controller that receives room control
// messages. Must be called before Connect.
func (c *Client) AttachController(ctrl *playback.Controller) {
	c.opts.Controller = ctrl
}

// Connect dials the room socket, sends the JOIN and starts the read loop.
// serverURL is the ws:// or wss:// endpoint for the room, for example
// "ws://host/ws/rooms/<roomId>".
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if c.opts.DisplayName != "" {
		q := u.Query()
		q.Set("displayName", c.opts.DisplayName)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}
	c.conn = conn

	if err := c.write(Message{Type: TypeJoin}); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	go c.readLoop()
	return nil
}

// Dial is New followed by Connect, for callers without a playback
// controller to wire in between.
func Dial(ctx context.Context, serverURL string, opts Options) (*Client, error) {
	c := New(opts)
	if err := c.Connect(ctx, serverURL); err != nil {
		return nil, err
	}
	return c, nil
}

// Handle returns the handle assigned by the server, empty before the
// JOINED acknowledgment arrives.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Role returns the negotiation role from the join handshake.
func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SendOffer relays a session description to one peer. The payload is opaque
// to the server.
func (c *Client) SendOffer(to string, payload interface{}) error {
	return c.sendTo(TypeOffer, to, payload)
}

// SendAnswer relays an answering session description to one peer.
func (c *Client) SendAnswer(to string, payload interface{}) error {
	return c.sendTo(TypeAnswer, to, payload)
}

// SendCandidate relays a transport candidate to one peer. The server holds
// it back until the peer has received a description from this client.
func (c *Client) SendCandidate(to string, payload interface{}) error {
	return c.sendTo(TypeICECandidate, to, payload)
}

// SendControl broadcasts a playback control message to the room, sender
// included. It implements playback.Sender.
func (c *Client) SendControl(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return c.write(Message{Type: eventType, Payload: raw})
}

// Close tears down the connection. Callbacks stop after it returns the
// read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) sendTo(msgType, to string, payload interface{}) error {
	if to == "" {
		return fmt.Errorf("%s requires a target handle", msgType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return c.write(Message{Type: msgType, To: to, Payload: raw})
}

func (c *Client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	var readErr error
	defer func() {
		c.conn.Close()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed && c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(readErr)
		}
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				readErr = err
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case TypeJoined:
		var info JoinedInfo
		if err := json.Unmarshal(msg.Payload, &info); err != nil {
			c.log.Warn().Err(err).Msg("malformed JOINED payload")
			return
		}
		c.mu.Lock()
		c.handle = info.Handle
		c.role = info.Role
		c.mu.Unlock()
		if c.opts.Controller != nil {
			c.opts.Controller.SetInitiator(info.Role == RoleInitiator)
			c.opts.Controller.OnConnected()
		}
		if c.opts.OnJoined != nil {
			c.opts.OnJoined(info)
		}

	case TypeUserJoined:
		var handle string
		if err := json.Unmarshal(msg.Payload, &handle); err != nil {
			return
		}
		if c.opts.OnPeerJoined != nil {
			c.opts.OnPeerJoined(handle)
		}

	case TypeUserLeft:
		var handle string
		if err := json.Unmarshal(msg.Payload, &handle); err != nil {
			return
		}
		if c.opts.OnPeerLeft != nil {
			c.opts.OnPeerLeft(handle)
		}

	case TypeParticipants:
		var snapshot participantsPayload
		if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
			return
		}
		if c.opts.OnParticipants != nil {
			c.opts.OnParticipants(snapshot.Participants)
		}

	case TypeOffer:
		if c.opts.OnOffer != nil {
			c.opts.OnOffer(msg.From, msg.Payload)
		}

	case TypeAnswer:
		if c.opts.OnAnswer != nil {
			c.opts.OnAnswer(msg.From, msg.Payload)
		}

	case TypeICECandidate:
		if c.opts.OnCandidate != nil {
			c.opts.OnCandidate(msg.From, msg.Payload)
		}

	case TypeError:
		if c.opts.OnError != nil {
			c.opts.OnError(msg.Error)
		}

	case playback.EventPlay, playback.EventPause, playback.EventSeek,
		playback.EventTrackChange, playback.EventPlaylistAdd, playback.EventPlaylistSync:
		if c.opts.Controller == nil {
			return
		}
		if err := c.opts.Controller.Apply(msg.Type, msg.Payload); err != nil {
			c.log.Warn().Err(err).Str("type", msg.Type).Msg("control message not applied")
		}

	default:
		c.log.Debug().Str("type", msg.Type).Msg("unhandled message type")
	}
}
