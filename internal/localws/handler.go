package localws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-hub-bridge/bridge/internal/buffer"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local clients only; the listener binds to the LAN interface.
		return true
	},
}

// HubCommander is the slice of the hub client the fan-out needs.
type HubCommander interface {
	CallService(ctx context.Context, domain, service string, data, target json.RawMessage) (json.RawMessage, error)
	GetStates(ctx context.Context) (json.RawMessage, error)
	Connected() bool
}

// Handler accepts local WebSocket connections and routes their
// messages to the hub client.
type Handler struct {
	server *Server
	hub    HubCommander
	ring   *buffer.EventRing
}

// NewHandler creates a fan-out handler. ring may be nil to disable
// replay of recent events on connect.
func NewHandler(server *Server, hub HubCommander, ring *buffer.EventRing) *Handler {
	return &Handler{
		server: server,
		hub:    hub,
		ring:   ring,
	}
}

// Server returns the underlying broadcast set.
func (h *Handler) Server() *Server {
	return h.server
}

// HandleConnection upgrades the HTTP request and serves the client
// until it disconnects.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.server, conn)
	h.server.Register(client)

	// The first frame a client sees is the current hub status.
	connected := h.hub.Connected()
	client.SendMessage(&Message{
		Type:      MessageTypeConnectionStatus,
		Connected: &connected,
	})

	// Replay recent state changes so a fresh client has context.
	if h.ring != nil {
		for _, data := range h.ring.Snapshot() {
			client.Send(data)
		}
	}

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// readPump pumps inbound frames from the socket to the dispatcher.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.server.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("localws: read error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			client.SendMessage(&Message{
				Type:  MessageTypeError,
				Error: "malformed message: " + err.Error(),
			})
			continue
		}

		h.dispatch(client, &msg)
	}
}

// writePump pumps queued messages to the socket and keeps the
// connection alive with pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound message by type. Failures are reported
// as structured error replies; the connection always stays open.
func (h *Handler) dispatch(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeCallService:
		go h.handleCallService(client, msg)
	case MessageTypeGetStates:
		go h.handleGetStates(client, msg)
	case MessageTypePing:
		client.SendMessage(&Message{Type: MessageTypePong, ID: msg.ID})
	default:
		client.SendMessage(&Message{
			Type:  MessageTypeError,
			ID:    msg.ID,
			Error: fmt.Sprintf("unknown message type: %q", msg.Type),
		})
	}
}

func (h *Handler) handleCallService(client *Client, msg *Message) {
	result, err := h.hub.CallService(context.Background(), msg.Domain, msg.Service, msg.ServiceData, msg.Target)
	if err != nil {
		client.SendMessage(&Message{
			Type:  MessageTypeError,
			ID:    msg.ID,
			Error: err.Error(),
		})
		return
	}

	success := true
	client.SendMessage(&Message{
		Type:    MessageTypeServiceResult,
		ID:      msg.ID,
		Success: &success,
		Result:  result,
	})
}

func (h *Handler) handleGetStates(client *Client, msg *Message) {
	states, err := h.hub.GetStates(context.Background())
	if err != nil {
		client.SendMessage(&Message{
			Type:  MessageTypeError,
			ID:    msg.ID,
			Error: err.Error(),
		})
		return
	}

	client.SendMessage(&Message{
		Type:   MessageTypeStates,
		ID:     msg.ID,
		States: states,
	})
}

// NotifyHubConnection broadcasts a hub connected/disconnected
// transition to every client.
func (h *Handler) NotifyHubConnection(connected bool) {
	h.server.BroadcastMessage(&Message{
		Type:      MessageTypeConnectionStatus,
		Connected: &connected,
	})
}

// BroadcastStateChange fans a state change out to every client and
// records it for replay to future clients.
func (h *Handler) BroadcastStateChange(entityID, newState, oldState string) {
	msg := &Message{
		Type:     MessageTypeStateChanged,
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if h.ring != nil {
		h.ring.Append(data)
	}
	h.server.Broadcast(data)
}
