package model

// RelayStatus represents the state of the relay session.
type RelayStatus string

const (
	RelayStatusDisconnected   RelayStatus = "disconnected"
	RelayStatusConfigError    RelayStatus = "config_error"
	RelayStatusConnecting     RelayStatus = "connecting"
	RelayStatusAuthenticating RelayStatus = "authenticating"
	RelayStatusConnected      RelayStatus = "connected"
	RelayStatusRegistering    RelayStatus = "registering"
	RelayStatusRegistered     RelayStatus = "registered"
	RelayStatusUnauthorized   RelayStatus = "unauthorized"
	RelayStatusIdle           RelayStatus = "idle"
	RelayStatusError          RelayStatus = "error"
)

// HubStatus represents the state of the hub event connection.
type HubStatus string

const (
	HubStatusDisconnected   HubStatus = "disconnected"
	HubStatusConnecting     HubStatus = "connecting"
	HubStatusAuthenticating HubStatus = "authenticating"
	HubStatusSubscribed     HubStatus = "subscribed"
)

// StateChange is a hub entity state transition, emitted to the local
// fan-out server and conditionally forwarded to the relay.
type StateChange struct {
	EntityID string `json:"entity_id"`
	NewState string `json:"new_state"`
	OldState string `json:"old_state"`
}

// OriginSource identifies where the relay origin was resolved from.
type OriginSource string

const (
	OriginSourceOverride        OriginSource = "override"
	OriginSourceOverrideInvalid OriginSource = "override-invalid"
	OriginSourceEnv             OriginSource = "env"
	OriginSourceEnvInvalid      OriginSource = "env-invalid"
	OriginSourceDefault         OriginSource = "default"
)

// Invalid reports whether the source tag marks a rejected candidate.
func (s OriginSource) Invalid() bool {
	return s == OriginSourceOverrideInvalid || s == OriginSourceEnvInvalid
}
