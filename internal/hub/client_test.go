package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

// fakeHub implements just enough of the hub protocol to drive the
// client: auth handshake, subscribe acknowledgment, and scripted
// responses to call_service/get_states.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	// failServiceCalls makes call_service return an error result.
	failServiceCalls bool
	// ignoreRequests swallows requests so the client times out.
	ignoreRequests bool
}

func newFakeHub(t *testing.T) *fakeHub {
	f := &fakeHub{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	conn.WriteJSON(map[string]interface{}{"type": "auth_required"})

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg["type"] {
		case "auth":
			if msg["access_token"] == "valid-token" {
				conn.WriteJSON(map[string]interface{}{"type": "auth_ok"})
			} else {
				conn.WriteJSON(map[string]interface{}{"type": "auth_invalid", "message": "bad token"})
				return
			}
		case "subscribe_events":
			conn.WriteJSON(map[string]interface{}{
				"id": msg["id"], "type": "result", "success": true,
			})
		case "call_service":
			if f.ignoreRequests {
				continue
			}
			if f.failServiceCalls {
				conn.WriteJSON(map[string]interface{}{
					"id": msg["id"], "type": "result", "success": false,
					"error": map[string]string{"code": "service_error", "message": "unavailable"},
				})
			} else {
				conn.WriteJSON(map[string]interface{}{
					"id": msg["id"], "type": "result", "success": true,
					"result": map[string]string{"status": "done"},
				})
			}
		case "get_states":
			conn.WriteJSON(map[string]interface{}{
				"id": msg["id"], "type": "result", "success": true,
				"result": []map[string]string{{"entity_id": "light.kitchen", "state": "on"}},
			})
		}
	}
}

// emitStateChange pushes a state_changed event on every connection.
func (f *fakeHub) emitStateChange(entityID, newState, oldState string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.WriteJSON(map[string]interface{}{
			"type": "event",
			"event": map[string]interface{}{
				"event_type": "state_changed",
				"data": map[string]string{
					"entity_id": entityID,
					"new_state": newState,
					"old_state": oldState,
				},
			},
		})
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClient_AuthenticatesAndSubscribes(t *testing.T) {
	fake := newFakeHub(t)

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	defer client.Stop()

	var mu sync.Mutex
	var transitions []bool
	client.OnConnection(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || !transitions[0] {
		t.Errorf("expected a connected=true transition, got %v", transitions)
	}
}

func TestClient_EmitsStateChanges(t *testing.T) {
	fake := newFakeHub(t)

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	defer client.Stop()

	events := make(chan model.StateChange, 1)
	client.OnStateChanged(func(change model.StateChange) {
		events <- change
	})

	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	fake.emitStateChange("light.kitchen", "on", "off")

	select {
	case change := <-events:
		if change.EntityID != "light.kitchen" || change.NewState != "on" || change.OldState != "off" {
			t.Errorf("unexpected event: %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state change was not delivered")
	}
}

func TestClient_CallServiceRoundTrip(t *testing.T) {
	fake := newFakeHub(t)

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	defer client.Stop()
	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	result, err := client.CallService(context.Background(), "light", "turn_on", nil, nil)
	if err != nil {
		t.Fatalf("CallService failed: %v", err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if parsed["status"] != "done" {
		t.Errorf("unexpected result: %v", parsed)
	}
}

func TestClient_CallServiceErrorResult(t *testing.T) {
	fake := newFakeHub(t)
	fake.failServiceCalls = true

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	defer client.Stop()
	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	_, err := client.CallService(context.Background(), "light", "turn_on", nil, nil)
	if err == nil {
		t.Fatal("expected error result")
	}
	if !strings.Contains(err.Error(), "service_error") {
		t.Errorf("error should carry the hub error code, got: %v", err)
	}
}

func TestClient_GetStates(t *testing.T) {
	fake := newFakeHub(t)

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	defer client.Stop()
	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	states, err := client.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates failed: %v", err)
	}
	var parsed []map[string]string
	if err := json.Unmarshal(states, &parsed); err != nil {
		t.Fatalf("unmarshal states: %v", err)
	}
	if len(parsed) != 1 || parsed[0]["entity_id"] != "light.kitchen" {
		t.Errorf("unexpected states: %v", parsed)
	}
}

func TestClient_RequestFailsWhenDisconnected(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1/api/websocket", AccessToken: "x"})
	defer client.Stop()

	_, err := client.GetStates(context.Background())
	if !errors.Is(err, model.ErrHubNotConnected) {
		t.Errorf("expected ErrHubNotConnected, got %v", err)
	}
}

func TestClient_PendingRequestsFailOnStop(t *testing.T) {
	fake := newFakeHub(t)
	fake.ignoreRequests = true

	client := NewClient(Config{URL: fake.url(), AccessToken: "valid-token"})
	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	done := make(chan error, 1)
	go func() {
		_, err := client.CallService(context.Background(), "light", "turn_on", nil, nil)
		done <- err
	}()

	// Give the request time to register, then tear the client down.
	time.Sleep(50 * time.Millisecond)
	client.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, model.ErrHubNotConnected) {
			t.Errorf("expected ErrHubNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not fail on Stop")
	}
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	fake := newFakeHub(t)

	client := NewClient(Config{
		URL:            fake.url(),
		AccessToken:    "valid-token",
		ReconnectDelay: 50 * time.Millisecond,
	})
	defer client.Stop()

	var mu sync.Mutex
	var transitions []bool
	client.OnConnection(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	client.Start()
	waitFor(t, 2*time.Second, client.Connected)

	// Drop every server-side connection; the client must come back.
	fake.mu.Lock()
	for _, conn := range fake.conns {
		conn.Close()
	}
	fake.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 3 // up, down, up again
	})
}
