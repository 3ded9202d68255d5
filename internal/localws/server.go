// Package localws accepts local WebSocket clients, broadcasts hub
// events to them, and relays their command requests to the hub client.
package localws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Client represents one local WebSocket subscriber.
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client wrapping a live connection.
func NewClient(server *Server, conn *websocket.Conn) *Client {
	return &Client{
		server: server,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
}

// Send queues a message to the client. A full buffer closes the
// client; one slow subscriber must not hold up the broadcast.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// SendMessage marshals and queues a Message.
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client's send channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the client's outbound queue.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Server owns the broadcast set of local clients.
type Server struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	onCountChange func(count int)
}

// NewServer creates an empty fan-out server.
func NewServer() *Server {
	return &Server{clients: make(map[*Client]bool)}
}

// SetOnCountChange sets a callback invoked whenever the number of
// connected clients changes.
func (s *Server) SetOnCountChange(fn func(count int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCountChange = fn
}

// Register adds a client to the broadcast set.
func (s *Server) Register(client *Client) {
	s.mu.Lock()
	s.clients[client] = true
	count := len(s.clients)
	fn := s.onCountChange
	s.mu.Unlock()

	if fn != nil {
		fn(count)
	}
}

// Unregister removes a client from the broadcast set and closes it.
func (s *Server) Unregister(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	count := len(s.clients)
	fn := s.onCountChange
	s.mu.Unlock()

	client.Close()
	if fn != nil {
		fn(count)
	}
}

// Broadcast sends data to every connected client. A failed or slow
// client drops out without affecting delivery to the others.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		client.Send(data)
	}
}

// BroadcastMessage marshals and broadcasts a Message.
func (s *Server) BroadcastMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes every client and empties the set.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
