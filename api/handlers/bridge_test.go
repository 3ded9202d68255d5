package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/remote-hub-bridge/bridge/internal/model"
	"github.com/remote-hub-bridge/bridge/internal/relay"
)

type fakeRelayController struct {
	snapshot     relay.Snapshot
	startErr     error
	setCodeErr   error
	regenCode    string
	regenErr     error
	worker       json.RawMessage
	workerErr    error
	startCalls   int
	stopCalls    int
	lastSetCode  string
	regenCalls   int
}

func (f *fakeRelayController) Start() error          { f.startCalls++; return f.startErr }
func (f *fakeRelayController) Stop()                 { f.stopCalls++ }
func (f *fakeRelayController) Status() relay.Snapshot { return f.snapshot }

func (f *fakeRelayController) SetPairCode(code string) error {
	f.lastSetCode = code
	return f.setCodeErr
}

func (f *fakeRelayController) RegeneratePairCode() (string, error) {
	f.regenCalls++
	return f.regenCode, f.regenErr
}

func (f *fakeRelayController) FetchWorkerStatus(ctx context.Context) (json.RawMessage, error) {
	return f.worker, f.workerErr
}

type fakeHubStatus struct{ status model.HubStatus }

func (f fakeHubStatus) Status() model.HubStatus { return f.status }

type fakePairing struct {
	pairCode string
	agentID  string
}

func (f fakePairing) PairCode() (string, error) { return f.pairCode, nil }
func (f fakePairing) AgentID() (string, error)  { return f.agentID, nil }

type fakeLocalCounter struct{ count int }

func (f fakeLocalCounter) ClientCount() int { return f.count }

type fakeJournal struct {
	entries []*model.JournalEntry
}

func (f *fakeJournal) Recent(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeJournal) RecentByKind(ctx context.Context, kind model.JournalKind, limit int) ([]*model.JournalEntry, error) {
	var out []*model.JournalEntry
	for _, e := range f.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestRouter(h *BridgeHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusAggregatesWithoutTokens(t *testing.T) {
	ctl := &fakeRelayController{
		snapshot: relay.Snapshot{
			Status:      model.RelayStatusRegistered,
			Registered:  true,
			ViewerCount: 2,
			Origin:      "https://relay.example.com",
		},
	}
	h := NewBridgeHandler(ctl, fakeHubStatus{model.HubStatusSubscribed}, fakePairing{pairCode: "A1B2C3", agentID: "agent-1"}, fakeLocalCounter{count: 3}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Hub.Connected || resp.Hub.Status != "subscribed" {
		t.Errorf("hub block wrong: %+v", resp.Hub)
	}
	if resp.Relay.Status != model.RelayStatusRegistered || resp.Relay.ViewerCount != 2 {
		t.Errorf("relay block wrong: %+v", resp.Relay)
	}
	if resp.PairCode != "A1B2C3" || resp.AgentID != "agent-1" || resp.LocalClients != 3 {
		t.Errorf("identity block wrong: %+v", resp)
	}
	if strings.Contains(strings.ToLower(w.Body.String()), "token") {
		t.Errorf("status response mentions token material: %s", w.Body.String())
	}
}

func TestSetPairCodeValidation(t *testing.T) {
	ctl := &fakeRelayController{setCodeErr: model.ErrPairCodeFormat}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodPut, "/api/pairing/code", `{"code":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", resp.Error.Code)
	}
}

func TestSetPairCodeSuccess(t *testing.T) {
	ctl := &fakeRelayController{}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodPut, "/api/pairing/code", `{"code":"0FA1B2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ctl.lastSetCode != "0FA1B2" {
		t.Errorf("controller received %q", ctl.lastSetCode)
	}
}

func TestRegeneratePairCode(t *testing.T) {
	ctl := &fakeRelayController{regenCode: "C0FFEE"}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodPost, "/api/pairing/regenerate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "C0FFEE") {
		t.Errorf("new code missing from response: %s", w.Body.String())
	}
	if ctl.regenCalls != 1 {
		t.Errorf("expected 1 regenerate call, got %d", ctl.regenCalls)
	}
}

func TestStartRelayConfigError(t *testing.T) {
	ctl := &fakeRelayController{startErr: model.ErrConfigInvalid}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodPost, "/api/relay/start", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "CONFIG_ERROR" {
		t.Errorf("expected CONFIG_ERROR, got %q", resp.Error.Code)
	}
}

func TestStartAndStopRelayDelegate(t *testing.T) {
	ctl := &fakeRelayController{}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	if w := doRequest(t, r, http.MethodPost, "/api/relay/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	if w := doRequest(t, r, http.MethodPost, "/api/relay/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop: %d", w.Code)
	}
	if ctl.startCalls != 1 || ctl.stopCalls != 1 {
		t.Errorf("delegation wrong: start=%d stop=%d", ctl.startCalls, ctl.stopCalls)
	}
}

func TestWorkerStatusPassthroughAndFailure(t *testing.T) {
	ctl := &fakeRelayController{worker: json.RawMessage(`{"status":"running"}`)}
	h := NewBridgeHandler(ctl, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodGet, "/api/relay/worker", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "running") {
		t.Fatalf("expected passthrough, got %d: %s", w.Code, w.Body.String())
	}

	ctl.worker = nil
	ctl.workerErr = context.DeadlineExceeded
	w = doRequest(t, r, http.MethodGet, "/api/relay/worker", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on failure, got %d", w.Code)
	}
}

func TestJournalEndpoint(t *testing.T) {
	journal := &fakeJournal{entries: []*model.JournalEntry{
		{ID: "1", Kind: model.JournalKindRelayStatus, Detail: "registered"},
		{ID: "2", Kind: model.JournalKindPairing, Detail: "regenerated"},
	}}
	h := NewBridgeHandler(&fakeRelayController{}, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, journal)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodGet, "/api/journal", "")
	if w.Code != http.StatusOK {
		t.Fatalf("journal: %d", w.Code)
	}
	var entries []*model.JournalEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	w = doRequest(t, r, http.MethodGet, "/api/journal?kind=pairing", "")
	entries = nil
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Kind != model.JournalKindPairing {
		t.Errorf("kind filter wrong: %+v", entries)
	}

	w = doRequest(t, r, http.MethodGet, "/api/journal?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestJournalWithoutBackingStore(t *testing.T) {
	h := NewBridgeHandler(&fakeRelayController{}, fakeHubStatus{}, fakePairing{}, fakeLocalCounter{}, nil)
	r := newTestRouter(h)

	w := doRequest(t, r, http.MethodGet, "/api/journal", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %d: %s", w.Code, w.Body.String())
	}
}
