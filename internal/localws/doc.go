// Package localws implements the local fan-out side of the bridge.
//
// The package implements:
//   - Server: the broadcast set of connected local clients
//   - Client: one subscriber with a buffered outbound queue
//   - Handler: WebSocket upgrade, keepalive pumps, and message dispatch
//     (call_service, get_states, ping)
//
// Every hub state_changed event and every hub connected/disconnected
// transition is broadcast to all members; command requests are relayed
// to the hub client and answered with replies correlated by the
// client's own request id. A slow or dead member is dropped without
// affecting delivery to the others.
package localws
