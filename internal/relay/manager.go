package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-hub-bridge/bridge/internal/identity"
	"github.com/remote-hub-bridge/bridge/internal/model"
)

const (
	defaultBackoffBase        = 5 * time.Second
	defaultBackoffCap         = 300 * time.Second
	defaultRegistrationWait   = 10 * time.Second
	defaultTokenRefreshMargin = 60 * time.Second
	defaultRefreshFloor       = 10 * time.Second
	defaultIdleTimeout        = 5 * time.Minute
	defaultIdlePollInterval   = 30 * time.Second
	defaultStatusPollTimeout  = 3 * time.Second

	// backoffJitter is the maximum fraction of random jitter added to
	// each reconnect delay. Jitter is applied per attempt and never
	// compounds into the stored delay.
	backoffJitter = 0.3

	relayWriteWait = 10 * time.Second
)

// HubClient is the slice of the hub event client the manager needs.
type HubClient interface {
	CallService(ctx context.Context, domain, service string, data, target json.RawMessage) (json.RawMessage, error)
	GetStates(ctx context.Context) (json.RawMessage, error)
	GetConfig(ctx context.Context) (json.RawMessage, error)
}

// Config holds the relay manager's collaborators and tunables. Zero
// durations take the production defaults; tests shrink them.
type Config struct {
	Origin   Origin
	Identity *identity.Store
	Hub      HubClient

	// Auth overrides the authenticator (tests only).
	Auth *Authenticator

	// OnStatusChange observes status transitions, in order.
	OnStatusChange func(status model.RelayStatus, detail string)

	BackoffBase         time.Duration
	BackoffCap          time.Duration
	RegistrationTimeout time.Duration
	TokenRefreshMargin  time.Duration
	RefreshFloor        time.Duration
	IdleTimeout         time.Duration
	IdlePollInterval    time.Duration
	StatusPollTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = defaultRegistrationWait
	}
	if c.TokenRefreshMargin <= 0 {
		c.TokenRefreshMargin = defaultTokenRefreshMargin
	}
	if c.RefreshFloor <= 0 {
		c.RefreshFloor = defaultRefreshFloor
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = defaultIdlePollInterval
	}
	if c.StatusPollTimeout <= 0 {
		c.StatusPollTimeout = defaultStatusPollTimeout
	}
}

// closeReason records why the manager closed its own socket, so the
// close handler can tell a deliberate teardown from a network failure.
type closeReason int

const (
	closeNone closeReason = iota
	closeIdle
	closeRefresh
	closeUnauthorized
)

// Snapshot is a read-only view of the session for the control surface.
type Snapshot struct {
	Status       model.RelayStatus  `json:"status"`
	LastError    string             `json:"lastError,omitempty"`
	Registered   bool               `json:"registered"`
	ViewerCount  int                `json:"viewerCount"`
	Origin       string             `json:"origin,omitempty"`
	OriginSource model.OriginSource `json:"originSource"`
	HomeID       string             `json:"homeId,omitempty"`
}

// Manager owns the outbound relay session: authentication, the
// registration handshake, reconnection with backoff, idle suspension,
// and message routing between the relay and the hub client.
//
// All state lives behind one mutex; socket reads, HTTP exchanges, and
// timer callbacks feed events into locked handlers, so transitions
// never interleave. Timer handles are stored on the manager and
// stopped on every transition that supersedes them; a session
// generation counter makes stale callbacks no-ops.
type Manager struct {
	cfg        Config
	auth       *Authenticator
	dialer     *websocket.Dialer
	pollClient *http.Client

	mu             sync.Mutex
	gen            uint64
	enabled        bool
	status         model.RelayStatus
	lastErr        string
	registered     bool
	stickyUnauth   bool
	retryUnauth    bool
	unauthRetried  bool
	conn           *websocket.Conn
	creds          *Credentials
	reconnectDelay time.Duration
	viewerCount    int
	homeID         string
	reason         closeReason

	reconnectTimer *time.Timer
	refreshTimer   *time.Timer
	regTimer       *time.Timer
	idleTimer      *time.Timer
	pollTimer      *time.Timer

	writeMu  sync.Mutex
	notifyCh chan statusEvent
}

type statusEvent struct {
	status model.RelayStatus
	detail string
}

// NewManager creates a relay session manager. Start must be called to
// begin connecting.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()

	auth := cfg.Auth
	if auth == nil && cfg.Origin.Configured() {
		auth = NewAuthenticator(cfg.Origin.URL, cfg.Identity)
	}

	return &Manager{
		cfg:            cfg,
		auth:           auth,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pollClient:     &http.Client{Timeout: cfg.StatusPollTimeout},
		status:         model.RelayStatusDisconnected,
		reconnectDelay: cfg.BackoffBase,
	}
}

// startNotifierLocked spawns the status notifier for one enabled
// period. closeNotifierLocked ends it; queued events are still
// delivered before the goroutine exits.
func (m *Manager) startNotifierLocked() {
	if m.notifyCh != nil {
		return
	}
	ch := make(chan statusEvent, 64)
	m.notifyCh = ch
	go func() {
		for ev := range ch {
			if m.cfg.OnStatusChange != nil {
				m.cfg.OnStatusChange(ev.status, ev.detail)
			}
		}
	}()
}

func (m *Manager) closeNotifierLocked() {
	if m.notifyCh != nil {
		close(m.notifyCh)
		m.notifyCh = nil
	}
}

// Start enables the manager and begins connecting. An unconfigured
// origin is terminal: the status becomes config_error and no retry is
// scheduled until the operator fixes the origin and restarts.
func (m *Manager) Start() error {
	m.mu.Lock()
	m.startNotifierLocked()
	if !m.cfg.Origin.Configured() {
		m.enabled = false
		m.setStatusLocked(model.RelayStatusConfigError, fmt.Sprintf("%v (source %s)", model.ErrConfigInvalid, m.cfg.Origin.Source))
		m.closeNotifierLocked()
		m.mu.Unlock()
		return model.ErrConfigInvalid
	}
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = true
	m.gen++
	gen := m.gen
	m.reconnectDelay = m.cfg.BackoffBase
	m.stickyUnauth = false
	m.unauthRetried = false
	m.mu.Unlock()

	go func() {
		m.resolveHomeID()
		m.connectAttempt(gen)
	}()
	return nil
}

// Stop disables the manager, cancels every timer, and closes any open
// socket. Idempotent; pending timer callbacks become no-ops.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.enabled = false
	m.gen++
	m.stopAllTimersLocked()
	conn := m.conn
	m.conn = nil
	m.registered = false
	m.stickyUnauth = false
	m.reason = closeNone
	m.viewerCount = 0
	m.setStatusLocked(model.RelayStatusDisconnected, "")
	m.closeNotifierLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Status returns a snapshot for the control surface. Token material is
// deliberately absent.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:       m.status,
		LastError:    m.lastErr,
		Registered:   m.registered,
		ViewerCount:  m.viewerCount,
		Origin:       m.cfg.Origin.URL,
		OriginSource: m.cfg.Origin.Source,
		HomeID:       m.homeID,
	}
}

// SetPairCode validates and stores a new pair code, re-registering
// with the relay if a socket is open so its record stays current.
func (m *Manager) SetPairCode(code string) error {
	if err := m.cfg.Identity.SetPairCode(code); err != nil {
		return err
	}
	m.reregisterIfConnected()
	return nil
}

// RegeneratePairCode rotates the pair code and re-registers if
// connected.
func (m *Manager) RegeneratePairCode() (string, error) {
	code, err := m.cfg.Identity.RegeneratePairCode()
	if err != nil {
		return "", err
	}
	m.reregisterIfConnected()
	return code, nil
}

func (m *Manager) reregisterIfConnected() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		m.sendRegister(conn)
	}
}

// ForwardStateChange sends a hub state change to the relay. Gated:
// only while registered and while remote viewers are present.
func (m *Manager) ForwardStateChange(change model.StateChange) {
	m.mu.Lock()
	conn := m.conn
	ok := m.registered && m.viewerCount > 0 && conn != nil
	m.mu.Unlock()

	if !ok {
		return
	}
	m.writeJSON(conn, map[string]interface{}{
		"type":      "state_changed",
		"entity_id": change.EntityID,
		"new_state": change.NewState,
		"old_state": change.OldState,
	})
}

// FetchWorkerStatus queries the relay's worker status endpoint on the
// caller's behalf. Best-effort with a short timeout; token fields are
// stripped before the payload is returned.
func (m *Manager) FetchWorkerStatus(ctx context.Context) (json.RawMessage, error) {
	agentID, err := m.cfg.Identity.AgentID()
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, fmt.Errorf("no agent id assigned yet")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StatusPollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Origin.URL+"/api/agent/"+agentID+"/worker", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.pollClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed worker status: %w", err)
	}
	return json.Marshal(stripTokenFields(payload))
}

// stripTokenFields removes token-bearing keys at every nesting level
// of a decoded JSON document.
func stripTokenFields(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for _, key := range []string{"token", "agent_token", "bearer_token"} {
			delete(val, key)
		}
		for key, nested := range val {
			val[key] = stripTokenFields(nested)
		}
		return val
	case []interface{}:
		for i, nested := range val {
			val[i] = stripTokenFields(nested)
		}
		return val
	default:
		return v
	}
}

// resolveHomeID derives the home identifier, preferring the hub's
// configuration and falling back to a UUID derived from the public
// key. Best-effort: a hub fetch failure never aborts startup.
func (m *Manager) resolveHomeID() {
	m.mu.Lock()
	if m.homeID != "" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	homeID := ""
	if m.cfg.Hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		raw, err := m.cfg.Hub.GetConfig(ctx)
		cancel()
		if err == nil {
			var cfg struct {
				UUID string `json:"uuid"`
			}
			if json.Unmarshal(raw, &cfg) == nil && cfg.UUID != "" {
				homeID = cfg.UUID
			}
		} else {
			log.Printf("relay: hub config fetch failed, deriving home id: %v", err)
		}
	}
	if homeID == "" {
		if pub, err := m.cfg.Identity.PublicKey(); err == nil {
			homeID = uuid.NewSHA1(uuid.NameSpaceOID, pub).String()
		}
	}

	m.mu.Lock()
	m.homeID = homeID
	m.mu.Unlock()
}

// connectAttempt runs one connection attempt for the given session
// generation: reuse or refresh the token, then dial the relay socket.
func (m *Manager) connectAttempt(gen uint64) {
	m.mu.Lock()
	if !m.enabled || gen != m.gen || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked(&m.reconnectTimer)
	m.stopTimerLocked(&m.idleTimer)
	m.stopTimerLocked(&m.pollTimer)
	m.setStatusLocked(model.RelayStatusConnecting, "")
	creds := m.creds
	margin := m.cfg.TokenRefreshMargin
	m.mu.Unlock()

	// A token inside the safety margin of expiry is as good as absent.
	if creds == nil || time.Until(creds.ExpiresAt) <= margin {
		m.mu.Lock()
		if !m.enabled || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.setStatusLocked(model.RelayStatusAuthenticating, "")
		m.mu.Unlock()

		fresh, err := m.auth.Authenticate(context.Background())
		if err != nil {
			if errors.Is(err, model.ErrUnauthorized) {
				m.enterUnauthorized(gen, err.Error(), false)
				return
			}
			m.connectFailed(gen, err)
			return
		}

		m.mu.Lock()
		if !m.enabled || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.creds = fresh
		m.mu.Unlock()
		creds = fresh
	}

	// The refresh countdown tracks whichever token this attempt uses,
	// reused or fresh.
	m.mu.Lock()
	if !m.enabled || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.scheduleRefreshLocked(gen, creds)
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	conn, resp, err := m.dialer.Dial(creds.WSURL, header)
	if err != nil {
		if resp != nil {
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				// Rejected before upgrade: the token is dead. Never
				// retry under it.
				m.enterUnauthorized(gen, fmt.Sprintf("relay refused upgrade: %s", resp.Status), true)
				return
			case resp.StatusCode == http.StatusBadRequest || (resp.StatusCode >= 200 && resp.StatusCode < 300):
				m.connectFailed(gen, fmt.Errorf("relay endpoint did not upgrade (%s)", resp.Status))
				return
			}
		}
		m.connectFailed(gen, fmt.Errorf("dial relay: %w", err))
		return
	}

	m.socketOpened(gen, conn)
}

// connectFailed records the error and schedules a backoff reconnect.
func (m *Manager) connectFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || gen != m.gen {
		return
	}
	log.Printf("relay: connect attempt failed: %v", err)
	m.setStatusLocked(model.RelayStatusError, err.Error())
	m.scheduleReconnectLocked(gen)
}

// socketOpened adopts a freshly opened socket: reset backoff, send the
// registration handshake, and arm the registration timeout.
func (m *Manager) socketOpened(gen uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if !m.enabled || gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.registered = false
	m.reason = closeNone
	m.reconnectDelay = m.cfg.BackoffBase
	m.setStatusLocked(model.RelayStatusConnected, "")
	m.setStatusLocked(model.RelayStatusRegistering, "")
	m.stopTimerLocked(&m.regTimer)
	m.regTimer = time.AfterFunc(m.cfg.RegistrationTimeout, func() {
		m.registrationTimedOut(gen, conn)
	})
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	m.sendRegister(conn)
}

// sendRegister sends register_bridge with the current pair code, home
// id, and the agent id when one is known.
func (m *Manager) sendRegister(conn *websocket.Conn) {
	pairCode, err := m.cfg.Identity.PairCode()
	if err != nil {
		log.Printf("relay: cannot read pair code: %v", err)
		return
	}
	agentID, _ := m.cfg.Identity.AgentID()

	m.mu.Lock()
	homeID := m.homeID
	m.mu.Unlock()

	msg := map[string]interface{}{
		"type":      "register_bridge",
		"pair_code": pairCode,
		"home_id":   homeID,
	}
	if agentID != "" {
		msg["agent_id"] = agentID
	}
	if err := m.writeJSON(conn, msg); err != nil {
		log.Printf("relay: register_bridge send failed: %v", err)
	}
}

// registrationTimedOut fires when register_ok never arrived. The
// socket is force-closed; the close handler schedules the backoff
// reconnect.
func (m *Manager) registrationTimedOut(gen uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn || m.registered {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(model.RelayStatusError, model.ErrRegistrationTimeout.Error())
	m.mu.Unlock()

	conn.Close()
}

// readLoop pumps relay frames until the socket dies, then reports the
// close.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	var closeErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		m.handleFrame(gen, conn, data)
	}
	m.socketClosed(gen, conn, closeErr)
}

// socketClosed is the single exit point for every socket lifetime.
// The recorded close reason picks the follow-up: idle polling, an
// immediate fresh-token reconnect, a fresh-auth reconnect after an
// authorization failure, or plain backoff.
func (m *Manager) socketClosed(gen uint64, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.registered = false
	m.stopTimerLocked(&m.regTimer)
	m.stopTimerLocked(&m.idleTimer)
	reason := m.reason
	m.reason = closeNone

	if !m.enabled || gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch reason {
	case closeIdle:
		// Reconnect machinery stays quiet while idle; the next connect
		// re-authenticates or re-arms the refresh as needed.
		m.stopTimerLocked(&m.refreshTimer)
		m.setStatusLocked(model.RelayStatusIdle, "")
		m.schedulePollLocked(gen)
		m.mu.Unlock()
	case closeRefresh:
		m.reconnectDelay = m.cfg.BackoffBase
		m.mu.Unlock()
		go m.connectAttempt(gen)
	case closeUnauthorized:
		retry := m.retryUnauth
		m.retryUnauth = false
		m.mu.Unlock()
		if retry {
			go m.connectAttempt(gen)
		}
	default:
		if err != nil {
			m.setStatusLocked(model.RelayStatusError, err.Error())
		}
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
	}
}

// scheduleReconnectLocked arms the backoff timer: the stored delay
// plus fresh jitter, then the stored delay doubles up to the cap.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	delay := m.reconnectDelay
	jitter := time.Duration(rand.Float64() * backoffJitter * float64(delay))

	next := delay * 2
	if next > m.cfg.BackoffCap {
		next = m.cfg.BackoffCap
	}
	m.reconnectDelay = next

	m.stopTimerLocked(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(delay+jitter, func() {
		m.connectAttempt(gen)
	})
}

// scheduleRefreshLocked arms the proactive token refresh: fire one
// margin before expiry, but never sooner than the floor.
func (m *Manager) scheduleRefreshLocked(gen uint64, creds *Credentials) {
	d := time.Until(creds.ExpiresAt) - m.cfg.TokenRefreshMargin
	if d < m.cfg.RefreshFloor {
		d = m.cfg.RefreshFloor
	}
	m.stopTimerLocked(&m.refreshTimer)
	m.refreshTimer = time.AfterFunc(d, func() {
		m.refreshToken(gen)
	})
}

// refreshToken invalidates the current token and reconnects, forcing
// a fresh socket when one is open.
func (m *Manager) refreshToken(gen uint64) {
	m.mu.Lock()
	if !m.enabled || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.creds = nil
	conn := m.conn
	if conn != nil {
		m.reason = closeRefresh
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.mu.Unlock()
	go m.connectAttempt(gen)
}

// enterUnauthorized handles an explicit authorization rejection: the
// token is cleared and, when retry is set, one fresh-auth reconnect is
// attempted. The unauthorized status sticks until the next successful
// registration.
func (m *Manager) enterUnauthorized(gen uint64, detail string, retry bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.creds = nil
	m.stopTimerLocked(&m.refreshTimer)
	m.stickyUnauth = true
	m.setStatusLocked(model.RelayStatusUnauthorized, detail)

	// One fresh-auth retry per rejection streak. Further rejections
	// stay parked until an operator action or restart.
	if retry && m.unauthRetried {
		retry = false
	}
	m.unauthRetried = true

	conn := m.conn
	if conn != nil {
		m.reason = closeUnauthorized
		m.retryUnauth = retry
		m.mu.Unlock()
		conn.Close()
		return
	}
	enabled := m.enabled
	m.mu.Unlock()

	if retry && enabled {
		go m.connectAttempt(gen)
	}
}

// handleFrame dispatches one inbound relay frame. Malformed or unknown
// frames are logged and skipped; the session continues.
func (m *Manager) handleFrame(gen uint64, conn *websocket.Conn, data []byte) {
	var frame struct {
		Type        string          `json:"type"`
		ID          *int64          `json:"id,omitempty"`
		Domain      string          `json:"domain,omitempty"`
		Service     string          `json:"service,omitempty"`
		ServiceData json.RawMessage `json:"service_data,omitempty"`
		Target      json.RawMessage `json:"target,omitempty"`
		AgentID     string          `json:"agent_id,omitempty"`
		Count       *int            `json:"count,omitempty"`
		Message     string          `json:"message,omitempty"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("relay: dropping malformed frame: %v", err)
		return
	}

	switch frame.Type {
	case "register_ok":
		m.handleRegisterOK(gen, conn, frame.AgentID)
	case "call_service":
		go m.handleCallService(conn, frame.ID, frame.Domain, frame.Service, frame.ServiceData, frame.Target)
	case "get_states":
		go m.handleGetStates(conn, frame.ID)
	case "ping":
		m.writeJSON(conn, map[string]interface{}{"type": "pong", "id": frame.ID})
	case "app_count":
		if frame.Count != nil {
			m.setViewerCount(gen, *frame.Count)
		}
	case "viewer_online":
		m.adjustViewerCount(gen, +1)
	case "viewer_offline":
		m.adjustViewerCount(gen, -1)
	case "agent_unauthorized":
		m.enterUnauthorized(gen, "relay revoked authorization", true)
	case "paired":
		if frame.AgentID != "" {
			if err := m.cfg.Identity.SetAgentID(frame.AgentID); err != nil {
				log.Printf("relay: storing paired agent id failed: %v", err)
			}
		}
		log.Printf("relay: pairing completed")
	case "error":
		log.Printf("relay: error frame: %s", frame.Message)
		m.mu.Lock()
		if gen == m.gen {
			m.lastErr = frame.Message
		}
		m.mu.Unlock()
	default:
		log.Printf("relay: ignoring frame type %q", frame.Type)
	}
}

func (m *Manager) handleRegisterOK(gen uint64, conn *websocket.Conn, agentID string) {
	if agentID != "" {
		if err := m.cfg.Identity.SetAgentID(agentID); err != nil {
			log.Printf("relay: storing agent id failed: %v", err)
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.registered = true
	m.stickyUnauth = false
	m.unauthRetried = false
	m.stopTimerLocked(&m.regTimer)
	m.setStatusLocked(model.RelayStatusRegistered, "")
	m.armIdleLocked(gen)
	m.mu.Unlock()

	log.Printf("relay: registered with relay")
}

func (m *Manager) handleCallService(conn *websocket.Conn, id *int64, domain, service string, data, target json.RawMessage) {
	result, err := m.cfg.Hub.CallService(context.Background(), domain, service, data, target)
	if err != nil {
		m.writeJSON(conn, map[string]interface{}{
			"type": "error", "id": id, "error": err.Error(),
		})
		return
	}
	m.writeJSON(conn, map[string]interface{}{
		"type": "service_result", "id": id, "success": true, "result": result,
	})
}

func (m *Manager) handleGetStates(conn *websocket.Conn, id *int64) {
	states, err := m.cfg.Hub.GetStates(context.Background())
	if err != nil {
		m.writeJSON(conn, map[string]interface{}{
			"type": "error", "id": id, "error": err.Error(),
		})
		return
	}
	m.writeJSON(conn, map[string]interface{}{
		"type": "states", "id": id, "states": states,
	})
}

// setViewerCount applies an absolute viewer count pushed by the relay.
func (m *Manager) setViewerCount(gen uint64, count int) {
	if count < 0 {
		count = 0
	}
	m.applyViewerCount(gen, func(int) int { return count })
}

// adjustViewerCount applies a viewer_online/viewer_offline delta.
func (m *Manager) adjustViewerCount(gen uint64, delta int) {
	m.applyViewerCount(gen, func(current int) int {
		next := current + delta
		if next < 0 {
			next = 0
		}
		return next
	})
}

// applyViewerCount is the single place viewer-count transitions are
// acted on: any nonzero count cancels idle machinery immediately and
// wakes an idle session; an observed zero arms the idle timer.
func (m *Manager) applyViewerCount(gen uint64, update func(int) int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	previous := m.viewerCount
	m.viewerCount = update(previous)

	if m.viewerCount > 0 {
		m.stopTimerLocked(&m.idleTimer)
		m.stopTimerLocked(&m.pollTimer)
		if m.status == model.RelayStatusIdle && m.enabled && m.conn == nil {
			m.mu.Unlock()
			go m.connectAttempt(gen)
			return
		}
		m.mu.Unlock()
		return
	}

	m.armIdleLocked(gen)
	m.mu.Unlock()
}

// armIdleLocked starts the idle countdown when a socket is open, no
// viewers are present, and no countdown is already running. Zero is a
// state, not a transition: a session that never sees a viewer still
// suspends.
func (m *Manager) armIdleLocked(gen uint64) {
	if m.conn == nil || m.viewerCount > 0 || m.idleTimer != nil {
		return
	}
	m.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.idleTimedOut(gen)
	})
}

// idleTimedOut closes the socket when the viewer count stayed at zero
// for the whole idle window.
func (m *Manager) idleTimedOut(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.enabled {
		m.mu.Unlock()
		return
	}
	m.idleTimer = nil
	if m.viewerCount != 0 || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.reason = closeIdle
	conn := m.conn
	m.mu.Unlock()

	log.Printf("relay: no viewers for %s, suspending connection", m.cfg.IdleTimeout)
	conn.Close()
}

// schedulePollLocked arms the next idle status poll.
func (m *Manager) schedulePollLocked(gen uint64) {
	m.stopTimerLocked(&m.pollTimer)
	m.pollTimer = time.AfterFunc(m.cfg.IdlePollInterval, func() {
		m.pollOnce(gen)
	})
}

// pollOnce checks the relay's status endpoint while idle. The first
// poll observing viewers cancels polling and reconnects.
func (m *Manager) pollOnce(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.enabled || m.status != model.RelayStatusIdle {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	count, err := m.fetchViewerCount()

	m.mu.Lock()
	if gen != m.gen || !m.enabled || m.status != model.RelayStatusIdle {
		m.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("relay: idle status poll failed: %v", err)
		m.schedulePollLocked(gen)
		m.mu.Unlock()
		return
	}
	if count > 0 {
		m.viewerCount = count
		m.stopTimerLocked(&m.pollTimer)
		m.mu.Unlock()
		go m.connectAttempt(gen)
		return
	}
	m.schedulePollLocked(gen)
	m.mu.Unlock()
}

func (m *Manager) fetchViewerCount() (int, error) {
	agentID, err := m.cfg.Identity.AgentID()
	if err != nil {
		return 0, err
	}
	if agentID == "" {
		return 0, fmt.Errorf("no agent id assigned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StatusPollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Origin.URL+"/api/agent/"+agentID+"/status", nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.pollClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("relay returned %s", resp.Status)
	}

	var status struct {
		ViewerCount int `json:"viewer_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, fmt.Errorf("malformed status response: %w", err)
	}
	return status.ViewerCount, nil
}

func (m *Manager) writeJSON(conn *websocket.Conn, v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	return conn.WriteJSON(v)
}

// setStatusLocked applies a status transition and queues the change
// notification. While the unauthorized status is sticky, transient
// connect states keep the surfaced status at unauthorized; the next
// successful registration clears it.
func (m *Manager) setStatusLocked(status model.RelayStatus, detail string) {
	if detail != "" {
		m.lastErr = detail
	}

	if m.stickyUnauth {
		switch status {
		case model.RelayStatusConnecting, model.RelayStatusAuthenticating,
			model.RelayStatusConnected, model.RelayStatusRegistering,
			model.RelayStatusError:
			return
		}
	}

	if m.status == status {
		return
	}
	m.status = status

	if m.notifyCh == nil {
		return
	}
	select {
	case m.notifyCh <- statusEvent{status: status, detail: detail}:
	default:
		// Observer too slow; drop rather than block a transition.
	}
}

func (m *Manager) stopTimerLocked(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func (m *Manager) stopAllTimersLocked() {
	m.stopTimerLocked(&m.reconnectTimer)
	m.stopTimerLocked(&m.refreshTimer)
	m.stopTimerLocked(&m.regTimer)
	m.stopTimerLocked(&m.idleTimer)
	m.stopTimerLocked(&m.pollTimer)
}
