package model

import "time"

// JournalKind classifies a journal entry.
type JournalKind string

const (
	JournalKindRelayStatus JournalKind = "relay_status"
	JournalKindPairing     JournalKind = "pairing"
	JournalKindHubStatus   JournalKind = "hub_status"
)

// JournalEntry records a lifecycle event (relay transition, pairing
// change, hub connect/disconnect) for later inspection via the control
// surface. Appends are best-effort and never block the session.
type JournalEntry struct {
	ID        string      `json:"id"`
	Kind      JournalKind `json:"kind"`
	Detail    string      `json:"detail"`
	CreatedAt time.Time   `json:"createdAt"`
}
