// Package hub maintains the persistent connection to the local
// automation hub: authentication, the state_changed subscription, and
// correlated request/response calls over the same socket.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-hub-bridge/bridge/internal/correlate"
	"github.com/remote-hub-bridge/bridge/internal/model"
)

const (
	// requestTimeout bounds every correlated request/response call.
	requestTimeout = 30 * time.Second

	// reconnectDelay is the fixed delay between connection attempts.
	reconnectDelay = 5 * time.Second

	writeWait = 10 * time.Second
)

// Config holds the hub connection settings.
type Config struct {
	// URL is the hub's WebSocket event endpoint.
	URL string

	// AccessToken is the bearer credential sent during authentication.
	AccessToken string

	// ReconnectDelay overrides the fixed reconnect delay (tests only).
	ReconnectDelay time.Duration
}

// Client is the hub event client. A single instance per process owns
// one socket to the hub and reconnects forever until Stop.
type Client struct {
	cfg   Config
	table *correlate.Table

	mu      sync.Mutex
	status  model.HubStatus
	conn    *websocket.Conn
	writeMu sync.Mutex
	stopped bool
	stopCh  chan struct{}

	onStateChanged []func(model.StateChange)
	onConnection   []func(connected bool)
}

// NewClient creates a hub client. Start must be called to connect.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	return &Client{
		cfg:    cfg,
		table:  correlate.NewTable(),
		status: model.HubStatusDisconnected,
		stopCh: make(chan struct{}),
	}
}

// OnStateChanged registers a callback for state_changed events.
// Callbacks must be registered before Start.
func (c *Client) OnStateChanged(fn func(model.StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChanged = append(c.onStateChanged, fn)
}

// OnConnection registers a callback for hub connect/disconnect
// transitions. Callbacks must be registered before Start.
func (c *Client) OnConnection(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = append(c.onConnection, fn)
}

// Status returns the current connection status.
func (c *Client) Status() model.HubStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the client is authenticated and subscribed.
func (c *Client) Connected() bool {
	return c.Status() == model.HubStatusSubscribed
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	go c.run()
}

// Stop shuts the client down and fails all pending requests.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.status = model.HubStatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.table.FailAll(model.ErrHubNotConnected)
}

func (c *Client) run() {
	for {
		if c.isStopped() {
			return
		}

		if err := c.connectAndServe(); err != nil && !c.isStopped() {
			log.Printf("hub: connection lost: %v", err)
		}

		c.handleDisconnect()

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// connectAndServe runs one full connection lifetime: dial,
// authenticate, subscribe, then pump events until the socket dies.
func (c *Client) connectAndServe() error {
	c.setStatus(model.HubStatusConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.status = model.HubStatusAuthenticating
	c.mu.Unlock()

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	if err := c.subscribe(conn); err != nil {
		conn.Close()
		return err
	}

	c.setStatus(model.HubStatusSubscribed)
	c.notifyConnection(true)
	log.Printf("hub: subscribed to state_changed events")

	return c.readLoop(conn)
}

// authenticate sends the bearer credential and waits for acceptance.
// The hub may send an auth_required prompt first; it is skipped.
func (c *Client) authenticate(conn *websocket.Conn) error {
	auth := map[string]interface{}{
		"type":         "auth",
		"access_token": c.cfg.AccessToken,
	}
	if err := c.writeJSON(conn, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read auth reply: %w", err)
		}
		switch env.Type {
		case "auth_required":
			continue
		case "auth_ok":
			return nil
		case "auth_invalid":
			return fmt.Errorf("hub rejected credentials: %s", env.Message)
		default:
			return fmt.Errorf("unexpected auth reply type %q", env.Type)
		}
	}
}

// subscribe requests state_changed events and waits for the correlated
// acknowledgment inline, before the read loop starts.
func (c *Client) subscribe(conn *websocket.Conn) error {
	id, _ := c.table.Register()
	defer c.table.Forget(id)

	req := map[string]interface{}{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}
	if err := c.writeJSON(conn, req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if env.Type != "result" || env.ID != id || !env.Success {
		return fmt.Errorf("subscribe rejected: %s", env.errorMessage())
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("hub: dropping malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case "result":
			if env.Success {
				c.table.Resolve(env.ID, env.Result)
			} else {
				c.table.Fail(env.ID, fmt.Errorf("hub error: %s", env.errorMessage()))
			}
		case "event":
			c.dispatchEvent(env.Event)
		case "pong":
			c.table.Resolve(env.ID, nil)
		default:
			// Unknown frames are logged and skipped; the session
			// continues.
			log.Printf("hub: ignoring frame type %q", env.Type)
		}
	}
}

func (c *Client) dispatchEvent(raw json.RawMessage) {
	var ev struct {
		EventType string `json:"event_type"`
		Data      struct {
			EntityID string `json:"entity_id"`
			NewState string `json:"new_state"`
			OldState string `json:"old_state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("hub: dropping malformed event: %v", err)
		return
	}
	if ev.EventType != "state_changed" {
		return
	}

	change := model.StateChange{
		EntityID: ev.Data.EntityID,
		NewState: ev.Data.NewState,
		OldState: ev.Data.OldState,
	}

	c.mu.Lock()
	subscribers := c.onStateChanged
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn(change)
	}
}

// handleDisconnect clears subscription state after a connection ends.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	wasSubscribed := c.status == model.HubStatusSubscribed
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if !c.stopped {
		c.status = model.HubStatusDisconnected
	}
	c.mu.Unlock()

	c.table.FailAll(model.ErrHubNotConnected)
	if wasSubscribed {
		c.notifyConnection(false)
	}
}

// CallService invokes a hub service and waits for the correlated
// result or the 30 second deadline.
func (c *Client) CallService(ctx context.Context, domain, service string, data, target json.RawMessage) (json.RawMessage, error) {
	req := map[string]interface{}{
		"type":    "call_service",
		"domain":  domain,
		"service": service,
	}
	if len(data) > 0 {
		req["service_data"] = data
	}
	if len(target) > 0 {
		req["target"] = target
	}
	return c.request(ctx, req)
}

// GetStates queries a snapshot of all entity states.
func (c *Client) GetStates(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, map[string]interface{}{"type": "get_states"})
}

// GetConfig queries the hub's configuration document.
func (c *Client) GetConfig(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, map[string]interface{}{"type": "get_config"})
}

func (c *Client) request(ctx context.Context, req map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	subscribed := c.status == model.HubStatusSubscribed
	c.mu.Unlock()

	if conn == nil || !subscribed {
		return nil, model.ErrHubNotConnected
	}

	id, ch := c.table.Register()
	req["id"] = id

	if err := c.writeJSON(conn, req); err != nil {
		c.table.Forget(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.table.Await(ctx, id, ch)
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (c *Client) setStatus(status model.HubStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.status = status
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.mu.Lock()
	subscribers := c.onConnection
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn(connected)
	}
}

// envelope is the hub's generic frame shape.
type envelope struct {
	ID      uint64          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *envelope) errorMessage() string {
	if e.Error == nil {
		return "unknown error"
	}
	if e.Error.Code != "" {
		return fmt.Sprintf("%s: %s", e.Error.Code, e.Error.Message)
	}
	return e.Error.Message
}
