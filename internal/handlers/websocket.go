package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kinakaase/signaling/internal/models"
	"github.com/kinakaase/signaling/internal/registry"
	"github.com/kinakaase/signaling/internal/relay"
	"github.com/rs/zerolog"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
	readLimit     = 512 * 1024
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RoomGateway serves the room signaling socket: negotiation relay, playback
// control fan-out and presence broadcasts.
type RoomGateway struct {
	rooms    *Rooms
	registry *registry.Registry
	hub      *relay.Hub
	log      zerolog.Logger
}

func NewRoomGateway(rooms *Rooms, reg *registry.Registry, hub *relay.Hub, log zerolog.Logger) *RoomGateway {
	return &RoomGateway{rooms: rooms, registry: reg, hub: hub, log: log}
}

// roomClient is one resident connection. It implements relay.Conn.
type roomClient struct {
	handle      string
	displayName string
	roomID      string
	conn        *websocket.Conn
	send        chan []byte
	joined      bool
	role        models.Role
	log         zerolog.Logger
}

func (c *roomClient) Handle() string      { return c.handle }
func (c *roomClient) DisplayName() string { return c.displayName }

func (c *roomClient) Send(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Str("handle", c.handle).Msg("send buffer full, message dropped")
	}
}

// HandleSignaling upgrades the connection for a room identified by ID or
// short code. Registration happens when the client emits its JOIN.
func (g *RoomGateway) HandleSignaling(c *gin.Context) {
	identifier := c.Param("roomId")
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	roomID, err := g.rooms.validateJoin(c, identifier)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &roomClient{
		handle:      uuid.New().String(),
		displayName: c.Query("displayName"),
		roomID:      roomID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		log:         g.log.With().Str("room", roomID).Logger(),
	}

	go client.writePump()
	go g.readPump(client)
}

// readPump processes messages from one connection sequentially: a handler
// runs to completion before the next message from the same sender is read.
func (g *RoomGateway) readPump(c *roomClient) {
	defer g.disconnect(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Str("handle", c.handle).Msg("websocket read error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Str("handle", c.handle).Msg("malformed message dropped")
			continue
		}
		g.dispatch(c, msg)
	}
}

func (g *RoomGateway) dispatch(c *roomClient, msg models.SignalMessage) {
	// The sender identity is never taken from the wire.
	msg.From = c.handle
	msg.RoomID = c.roomID

	switch {
	case msg.Type == models.SignalTypeJoin:
		g.join(c)

	case msg.Type.IsNegotiation():
		if !c.joined {
			c.log.Warn().Str("handle", c.handle).Str("type", string(msg.Type)).
				Msg("negotiation before JOIN dropped")
			return
		}
		if msg.To == "" {
			c.log.Warn().Str("handle", c.handle).Str("type", string(msg.Type)).
				Msg("negotiation without target dropped")
			return
		}
		g.hub.Relay(c.roomID, msg)

	case msg.Type.IsPlayback():
		if !c.joined {
			return
		}
		// Forwarded to the whole room, sender included, so every playlist
		// grows in the same as-received way.
		g.hub.Broadcast(c.roomID, msg, "")

	default:
		c.log.Warn().Str("handle", c.handle).Str("type", string(msg.Type)).
			Msg("unknown message type dropped")
	}
}

// join registers the connection: membership in the shared registry, local
// residency in the hub, the JOINED ack with the explicit negotiation role,
// and presence for everyone.
func (g *RoomGateway) join(c *roomClient) {
	if c.joined {
		// Idempotent: a repeated JOIN re-acks without re-registering.
		g.ackJoin(c)
		return
	}

	ctx := context.Background()
	peers, role, err := g.registry.Join(ctx, c.roomID, c.handle)
	if err != nil {
		c.log.Error().Err(err).Str("handle", c.handle).Msg("registry join failed")
		c.Send(models.SignalMessage{Type: models.SignalTypeError, RoomID: c.roomID, Error: "join failed"})
		return
	}
	c.joined = true
	c.role = role
	g.hub.Add(c.roomID, c)

	ack, err := models.NewSignal(models.SignalTypeJoined, c.roomID, models.JoinedPayload{
		Handle: c.handle,
		Role:   role,
		Peers:  peers,
	})
	if err == nil {
		c.Send(ack)
	}

	joined, _ := json.Marshal(c.handle)
	g.hub.Broadcast(c.roomID, models.SignalMessage{
		Type:    models.SignalTypeUserJoined,
		From:    c.handle,
		RoomID:  c.roomID,
		Payload: joined,
	}, c.handle)

	members, err := g.registry.Members(ctx, c.roomID)
	if err == nil {
		g.hub.BroadcastParticipants(c.roomID, members)
	}

	c.log.Info().Str("handle", c.handle).Str("role", string(role)).
		Int("peers", len(peers)).Msg("participant joined")
}

// ackJoin re-acknowledges a repeated JOIN with the role assigned the first
// time; re-joining never reassigns roles.
func (g *RoomGateway) ackJoin(c *roomClient) {
	members, err := g.registry.Members(context.Background(), c.roomID)
	if err != nil {
		return
	}
	peers := make([]string, 0, len(members))
	for _, m := range members {
		if m != c.handle {
			peers = append(peers, m)
		}
	}
	if ack, err := models.NewSignal(models.SignalTypeJoined, c.roomID, models.JoinedPayload{
		Handle: c.handle, Role: c.role, Peers: peers,
	}); err == nil {
		c.Send(ack)
	}
}

// disconnect is the cleanup cascade: transport loss counts as an implicit
// leave, and the remaining participants are told explicitly.
func (g *RoomGateway) disconnect(c *roomClient) {
	// The write pump notices the closed connection on its next write or ping.
	c.conn.Close()

	if !c.joined {
		return
	}

	ctx := context.Background()
	g.hub.Remove(c.roomID, c.handle)
	if err := g.registry.Leave(ctx, c.roomID, c.handle); err != nil {
		c.log.Error().Err(err).Str("handle", c.handle).Msg("registry leave failed")
	}

	left, _ := json.Marshal(c.handle)
	g.hub.Broadcast(c.roomID, models.SignalMessage{
		Type:    models.SignalTypeUserLeft,
		From:    c.handle,
		RoomID:  c.roomID,
		Payload: left,
	}, c.handle)

	members, err := g.registry.Members(ctx, c.roomID)
	if err == nil {
		g.hub.BroadcastParticipants(c.roomID, members)
	}

	c.log.Info().Str("handle", c.handle).Msg("participant left")
}

func (c *roomClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
