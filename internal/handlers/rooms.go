package handlers

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kinakaase/signaling/internal/models"
	"github.com/kinakaase/signaling/internal/registry"
	"github.com/rs/zerolog"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// Rooms serves the REST room-management API on top of the registry store.
type Rooms struct {
	store           registry.Store
	ttl             time.Duration
	maxParticipants int
	log             zerolog.Logger
}

func NewRooms(store registry.Store, ttl time.Duration, maxParticipants int, log zerolog.Logger) *Rooms {
	return &Rooms{store: store, ttl: ttl, maxParticipants: maxParticipants, log: log}
}

// Create creates a new room (requires authentication)
func (h *Rooms) Create(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = h.maxParticipants
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		CreatorID:       userID.(string),
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	if err := h.store.CreateRoom(c.Request.Context(), room, h.ttl); err != nil {
		h.log.Error().Err(err).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.log.Info().Str("room", room.ID).Str("code", room.Code).
		Str("creator", room.CreatorID).Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// Get returns room information by code or ID (public)
func (h *Rooms) Get(c *gin.Context) {
	room, err := h.resolveRoom(c, c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	count, _ := h.store.MemberCount(c.Request.Context(), room.ID)
	room.ParticipantCount = int(count)

	c.JSON(http.StatusOK, room)
}

// Delete removes a room (requires authentication and creator)
func (h *Rooms) Delete(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), room.ID, room.Code); err != nil {
		h.log.Error().Err(err).Str("room", room.ID).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.log.Info().Str("room", room.ID).Str("user", userID.(string)).Msg("room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// resolveRoom finds a room by short code or by ID.
func (h *Rooms) resolveRoom(c *gin.Context, identifier string) (models.RoomMetadata, error) {
	ctx := c.Request.Context()
	roomID := identifier
	if len(identifier) == roomCodeLength {
		id, err := h.store.ResolveCode(ctx, identifier)
		if err != nil {
			return models.RoomMetadata{}, err
		}
		roomID = id
	}
	return h.store.GetRoom(ctx, roomID)
}

// validateJoin checks that a room exists and has capacity, returning its
// canonical ID. The identifier may be a short code or a room ID.
func (h *Rooms) validateJoin(c *gin.Context, identifier string) (string, error) {
	room, err := h.resolveRoom(c, identifier)
	if err != nil {
		return "", err
	}
	count, err := h.store.MemberCount(c.Request.Context(), room.ID)
	if err != nil {
		return "", fmt.Errorf("count participants: %w", err)
	}
	if int(count) >= room.MaxParticipants {
		return "", registry.ErrRoomFull
	}
	return room.ID, nil
}

// errStatus maps store errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrRoomFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
