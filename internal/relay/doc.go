// Package relay owns the outbound session to the cloud relay. It
// resolves the relay origin, performs the Ed25519 challenge/issue
// exchange for short-lived session tokens, registers the bridge over
// the relay socket, and keeps the session alive: reconnection with
// capped backoff, proactive token refresh, and suspension while no
// remote viewers are present.
package relay
