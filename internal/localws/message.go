package localws

import "encoding/json"

// MessageType represents the type of a local WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeCallService MessageType = "call_service"
	MessageTypeGetStates   MessageType = "get_states"
	MessageTypePing        MessageType = "ping"

	// Server -> Client message types
	MessageTypeConnectionStatus MessageType = "connection_status"
	MessageTypeStateChanged     MessageType = "state_changed"
	MessageTypeServiceResult    MessageType = "service_result"
	MessageTypeStates           MessageType = "states"
	MessageTypeError            MessageType = "error"
	MessageTypePong             MessageType = "pong"
)

// Message represents a local WebSocket message. Request ids are chosen
// by the client and echoed back on the correlated reply.
type Message struct {
	Type        MessageType     `json:"type"`
	ID          *int64          `json:"id,omitempty"`
	Domain      string          `json:"domain,omitempty"`
	Service     string          `json:"service,omitempty"`
	ServiceData json.RawMessage `json:"service_data,omitempty"`
	Target      json.RawMessage `json:"target,omitempty"`
	Connected   *bool           `json:"connected,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	NewState    string          `json:"new_state,omitempty"`
	OldState    string          `json:"old_state,omitempty"`
	Error       string          `json:"error,omitempty"`
}
