package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transcript-collab/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub    *Hub
	config *config.Config
	logger *WebSocketLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *Hub, cfg *config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		config: cfg,
		logger: NewWebSocketLogger(),
	}
}

// Handle upgrades HTTP to WebSocket. Identity comes from a verified access
// token when one is supplied; without a token the connection is admitted only
// when anonymous demo access is enabled, and identity then arrives with the
// join-collaboration event.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	var claims AccessClaims
	token := h.extractToken(c)
	if token != "" {
		parsed, err := ParseAccessToken(h.config.JWTSecret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims = parsed
	} else if !h.config.AllowAnonymous {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "", err)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(h.hub, conn, clientID, claims, h.logger)

	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *WebSocketHandler) extractToken(c *gin.Context) string {
	// Check query parameter
	token := c.Query("token")
	if token != "" {
		return token
	}

	// Check Authorization header
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return ""
}
