package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remote-hub-bridge/bridge/internal/model"
	"github.com/remote-hub-bridge/bridge/internal/relay"
)

// RelayController is the slice of the relay session manager the
// control surface needs.
type RelayController interface {
	Start() error
	Stop()
	Status() relay.Snapshot
	SetPairCode(code string) error
	RegeneratePairCode() (string, error)
	FetchWorkerStatus(ctx context.Context) (json.RawMessage, error)
}

// HubStatusSource reports the hub connection state.
type HubStatusSource interface {
	Status() model.HubStatus
}

// PairingSource exposes the persisted pairing identity.
type PairingSource interface {
	PairCode() (string, error)
	AgentID() (string, error)
}

// LocalClientCounter reports how many local clients are connected.
type LocalClientCounter interface {
	ClientCount() int
}

// JournalReader reads recent lifecycle journal entries.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]*model.JournalEntry, error)
	RecentByKind(ctx context.Context, kind model.JournalKind, limit int) ([]*model.JournalEntry, error)
}

// BridgeHandler handles HTTP requests for the bridge control surface.
type BridgeHandler struct {
	relay   RelayController
	hub     HubStatusSource
	pairing PairingSource
	local   LocalClientCounter
	journal JournalReader

	// OnPairingChange, when set, observes successful pairing mutations.
	OnPairingChange func(detail string)
}

// NewBridgeHandler creates a new BridgeHandler. The journal is
// optional; without one GET /api/journal serves an empty list.
func NewBridgeHandler(relayCtl RelayController, hub HubStatusSource, pairing PairingSource, local LocalClientCounter, journal JournalReader) *BridgeHandler {
	return &BridgeHandler{
		relay:   relayCtl,
		hub:     hub,
		pairing: pairing,
		local:   local,
		journal: journal,
	}
}

// StatusResponse aggregates the bridge's connection state. It never
// carries token material.
type StatusResponse struct {
	Hub          HubStatusBlock `json:"hub"`
	Relay        relay.Snapshot `json:"relay"`
	PairCode     string         `json:"pairCode"`
	AgentID      string         `json:"agentId,omitempty"`
	LocalClients int            `json:"localClients"`
}

// HubStatusBlock is the hub portion of the status response.
type HubStatusBlock struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// SetPairCodeRequest represents the request body for setting a pair code.
type SetPairCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// Status handles GET /api/status.
func (h *BridgeHandler) Status(c *gin.Context) {
	hubStatus := h.hub.Status()

	pairCode, err := h.pairing.PairCode()
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load identity: "+err.Error())
		return
	}
	agentID, _ := h.pairing.AgentID()

	c.JSON(http.StatusOK, StatusResponse{
		Hub: HubStatusBlock{
			Status:    string(hubStatus),
			Connected: hubStatus == model.HubStatusSubscribed,
		},
		Relay:        h.relay.Status(),
		PairCode:     pairCode,
		AgentID:      agentID,
		LocalClients: h.local.ClientCount(),
	})
}

// RegeneratePairCode handles POST /api/pairing/regenerate.
func (h *BridgeHandler) RegeneratePairCode(c *gin.Context) {
	code, err := h.relay.RegeneratePairCode()
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to regenerate pair code: "+err.Error())
		return
	}
	if h.OnPairingChange != nil {
		h.OnPairingChange("pair code regenerated")
	}
	c.JSON(http.StatusOK, gin.H{"pairCode": code})
}

// SetPairCode handles PUT /api/pairing/code.
func (h *BridgeHandler) SetPairCode(c *gin.Context) {
	var req SetPairCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.relay.SetPairCode(req.Code); err != nil {
		if errors.Is(err, model.ErrPairCodeFormat) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to set pair code: "+err.Error())
		return
	}
	if h.OnPairingChange != nil {
		h.OnPairingChange("pair code set")
	}
	c.JSON(http.StatusOK, gin.H{"pairCode": req.Code})
}

// StartRelay handles POST /api/relay/start.
func (h *BridgeHandler) StartRelay(c *gin.Context) {
	if err := h.relay.Start(); err != nil {
		if errors.Is(err, model.ErrConfigInvalid) {
			sendError(c, http.StatusConflict, "CONFIG_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start relay: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, h.relay.Status())
}

// StopRelay handles POST /api/relay/stop.
func (h *BridgeHandler) StopRelay(c *gin.Context) {
	h.relay.Stop()
	c.JSON(http.StatusOK, h.relay.Status())
}

// WorkerStatus handles GET /api/relay/worker.
func (h *BridgeHandler) WorkerStatus(c *gin.Context) {
	payload, err := h.relay.FetchWorkerStatus(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusBadGateway, "RELAY_UNAVAILABLE", "Failed to fetch worker status: "+err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// Journal handles GET /api/journal.
func (h *BridgeHandler) Journal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusOK, []*model.JournalEntry{})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var entries []*model.JournalEntry
	var err error
	if kind := c.Query("kind"); kind != "" {
		entries, err = h.journal.RecentByKind(c.Request.Context(), model.JournalKind(kind), limit)
	} else {
		entries, err = h.journal.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read journal: "+err.Error())
		return
	}
	if entries == nil {
		entries = []*model.JournalEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// RegisterRoutes registers the bridge control routes on a Gin router group.
func (h *BridgeHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.POST("/pairing/regenerate", h.RegeneratePairCode)
	rg.PUT("/pairing/code", h.SetPairCode)
	rg.POST("/relay/start", h.StartRelay)
	rg.POST("/relay/stop", h.StopRelay)
	rg.GET("/relay/worker", h.WorkerStatus)
	rg.GET("/journal", h.Journal)
}
