package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kinakaase/signaling/internal/call"
	"github.com/kinakaase/signaling/internal/models"
	"github.com/rs/zerolog"
)

// EventsGateway serves the authenticated per-user events socket that carries
// the call-invitation families. A user may hold several resident connections
// (phone + tablet); events fan out to all of them. It implements call.Sender.
type EventsGateway struct {
	mu      sync.RWMutex
	clients map[string]map[*eventsClient]struct{}
	machine *call.Machine
	log     zerolog.Logger
}

type eventsClient struct {
	username string
	conn     *websocket.Conn
	send     chan []byte
}

func NewEventsGateway(log zerolog.Logger) *EventsGateway {
	return &EventsGateway{
		clients: make(map[string]map[*eventsClient]struct{}),
		log:     log,
	}
}

// AttachMachine wires the invitation machine. Done after construction
// because the machine needs the gateway as its event sender.
func (g *EventsGateway) AttachMachine(m *call.Machine) {
	g.machine = m
}

// SendToUser delivers ev to every resident connection of username and
// reports whether at least one was reachable.
func (g *EventsGateway) SendToUser(username string, ev models.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to marshal event")
		return false
	}

	g.mu.RLock()
	conns := make([]*eventsClient, 0, len(g.clients[username]))
	for c := range g.clients[username] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- data:
		default:
			g.log.Warn().Str("user", username).Msg("event buffer full, event dropped")
		}
	}
	return len(conns) > 0
}

// HandleEvents upgrades an authenticated connection. The username comes from
// the JWT middleware, never from the client.
func (g *EventsGateway) HandleEvents(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	username := userID.(string)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &eventsClient{
		username: username,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	g.register(client)

	go client.writePump()
	go g.readPump(client)
}

func (g *EventsGateway) register(c *eventsClient) {
	g.mu.Lock()
	set, ok := g.clients[c.username]
	if !ok {
		set = make(map[*eventsClient]struct{})
		g.clients[c.username] = set
	}
	set[c] = struct{}{}
	g.mu.Unlock()
	g.log.Info().Str("user", c.username).Msg("events socket connected")
}

// unregister drops the connection and, when it was the user's last one,
// resolves any ringing invitations involving them.
func (g *EventsGateway) unregister(c *eventsClient) {
	g.mu.Lock()
	delete(g.clients[c.username], c)
	last := len(g.clients[c.username]) == 0
	if last {
		delete(g.clients, c.username)
	}
	g.mu.Unlock()

	if last && g.machine != nil {
		g.machine.HandleDisconnect(context.Background(), c.username)
	}
	g.log.Info().Str("user", c.username).Bool("last", last).Msg("events socket disconnected")
}

func (g *EventsGateway) readPump(c *eventsClient) {
	defer func() {
		g.unregister(c)
		c.conn.Close()
	}()

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
				g.log.Warn().Err(err).Str("user", c.username).Msg("events read error")
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).Msg("malformed event dropped")
			continue
		}
		g.dispatch(c, ev)
	}
}

func (g *EventsGateway) dispatch(c *eventsClient, ev models.Event) {
	kind := models.CallKindVideo
	verb := ev.Source
	if strings.HasPrefix(ev.Source, "voicecall.") {
		kind = models.CallKindVoice
		verb = "call." + strings.TrimPrefix(ev.Source, "voicecall.")
	}

	ctx := context.Background()
	switch verb {
	case models.SourceCallRequest:
		var data models.CallRequestData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).Msg("malformed call.request dropped")
			return
		}
		if err := g.machine.Request(ctx, c.username, kind, data); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).
				Int64("connection", data.ConnectionID).Msg("call request not honored")
		}

	case models.SourceCallAccept:
		var data models.CallAnswerData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).Msg("malformed call.accept dropped")
			return
		}
		g.machine.Accept(ctx, c.username, data)

	case models.SourceCallReject:
		var data models.CallCancelData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).Msg("malformed call.reject dropped")
			return
		}
		g.machine.Reject(ctx, c.username, data)

	case models.SourceCallCancel:
		var data models.CallCancelData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			g.log.Warn().Err(err).Str("user", c.username).Msg("malformed call.cancel dropped")
			return
		}
		g.machine.Cancel(ctx, c.username, data)

	default:
		g.log.Warn().Str("user", c.username).Str("source", ev.Source).Msg("unknown event source dropped")
	}
}

func (c *eventsClient) writePump() {
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
