// Package correlate matches request/response pairs flowing over a
// streaming socket. Each outbound request gets a monotonically
// increasing id and a pending slot; the slot is removed on response,
// failure, or timeout, whichever comes first.
package correlate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

// Result is the outcome delivered to a waiting caller.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Table tracks pending requests keyed by id.
type Table struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Result
}

// NewTable creates an empty correlation table. IDs start at 1.
func NewTable() *Table {
	return &Table{pending: make(map[uint64]chan Result)}
}

// Register allocates a fresh id and a buffered result channel for it.
func (t *Table) Register() (uint64, <-chan Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	ch := make(chan Result, 1)
	t.pending[id] = ch
	return id, ch
}

// Resolve delivers a successful payload to the waiter for id. Unknown
// ids are ignored; a late response after a timeout is not an error.
func (t *Table) Resolve(id uint64, payload json.RawMessage) {
	t.deliver(id, Result{Payload: payload})
}

// Fail delivers an error to the waiter for id.
func (t *Table) Fail(id uint64, err error) {
	t.deliver(id, Result{Err: err})
}

// FailAll fails every pending request, typically on socket close.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]chan Result)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
}

// Forget drops the pending slot for id without delivering anything.
// Used by callers that stopped waiting.
func (t *Table) Forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) deliver(id uint64, res Result) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		ch <- res
	}
}

// Await blocks until the result for ch arrives or ctx expires. On
// expiry the slot for id is removed and model.ErrRequestTimeout (or the
// context error for explicit cancellation) is returned.
func (t *Table) Await(ctx context.Context, id uint64, ch <-chan Result) (json.RawMessage, error) {
	select {
	case res := <-ch:
		return res.Payload, res.Err
	case <-ctx.Done():
		t.Forget(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}
