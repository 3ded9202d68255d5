package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/remote-hub-bridge/bridge/internal/localws"
)

// WebSocketHandler exposes the local fan-out endpoint.
type WebSocketHandler struct {
	local *localws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(local *localws.Handler) *WebSocketHandler {
	return &WebSocketHandler{local: local}
}

// Connect handles GET /ws - upgrades a local client connection.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.local.HandleConnection(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route on a Gin engine.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.Connect)
}
