package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/remote-hub-bridge/bridge/internal/identity"
	"github.com/remote-hub-bridge/bridge/internal/model"
)

const (
	// authTimeout bounds each HTTP call of the challenge/issue exchange.
	authTimeout = 8 * time.Second

	// minTokenTTL is the floor applied to the relay's declared token
	// lifetime.
	minTokenTTL = 60 * time.Second
)

// Credentials is a short-lived session token plus the socket URL it is
// valid for. Never persisted.
type Credentials struct {
	Token     string
	WSURL     string
	ExpiresAt time.Time
}

// Authenticator performs the challenge/issue exchange against the
// relay. Concurrent calls collapse into a single in-flight attempt;
// every caller receives the same outcome.
type Authenticator struct {
	origin   string
	identity *identity.Store
	client   *http.Client

	mu       sync.Mutex
	inflight *authCall
}

type authCall struct {
	done  chan struct{}
	creds *Credentials
	err   error
}

// NewAuthenticator creates an authenticator for the given origin.
func NewAuthenticator(origin string, store *identity.Store) *Authenticator {
	return &Authenticator{
		origin:   origin,
		identity: store,
		client:   &http.Client{Timeout: authTimeout},
	}
}

// Authenticate obtains fresh credentials. If an exchange is already in
// flight the caller waits for its result instead of starting another.
func (a *Authenticator) Authenticate(ctx context.Context) (*Credentials, error) {
	a.mu.Lock()
	if call := a.inflight; call != nil {
		a.mu.Unlock()
		select {
		case <-call.done:
			return call.creds, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &authCall{done: make(chan struct{})}
	a.inflight = call
	a.mu.Unlock()

	call.creds, call.err = a.exchange(ctx)

	a.mu.Lock()
	a.inflight = nil
	a.mu.Unlock()
	close(call.done)

	return call.creds, call.err
}

// exchange runs the two-step flow: request a challenge, sign its
// nonce, submit the signature for a session token.
func (a *Authenticator) exchange(ctx context.Context) (*Credentials, error) {
	pub, err := a.identity.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	pubEncoded := base64.StdEncoding.EncodeToString(pub)

	var challenge struct {
		AgentID string `json:"agent_id"`
		Nonce   string `json:"nonce"`
	}
	err = a.post(ctx, "/api/agent/challenge", map[string]interface{}{
		"public_key": pubEncoded,
		"agent_info": map[string]string{
			"platform": runtime.GOOS,
			"kind":     "hub-bridge",
		},
	}, &challenge)
	if err != nil {
		return nil, fmt.Errorf("challenge request: %w", err)
	}

	// Sign the decoded nonce bytes, never the encoded string.
	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	signature, err := a.identity.Sign(nonce)
	if err != nil {
		return nil, fmt.Errorf("sign challenge nonce: %w", err)
	}

	var issued struct {
		AgentToken     string `json:"agent_token"`
		WSURL          string `json:"ws_url"`
		TokenExpiresIn int64  `json:"token_expires_in"`
	}
	err = a.post(ctx, "/api/agent/issue", map[string]interface{}{
		"agent_id":   challenge.AgentID,
		"public_key": pubEncoded,
		"signature":  base64.StdEncoding.EncodeToString(signature),
	}, &issued)
	if err != nil {
		return nil, fmt.Errorf("issue request: %w", err)
	}
	if issued.AgentToken == "" || issued.WSURL == "" {
		return nil, fmt.Errorf("issue response missing token or ws_url")
	}

	// Remember the relay-assigned agent id for future exchanges.
	if challenge.AgentID != "" {
		if err := a.identity.SetAgentID(challenge.AgentID); err != nil {
			return nil, fmt.Errorf("store agent id: %w", err)
		}
	}

	ttl := time.Duration(issued.TokenExpiresIn) * time.Second
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}

	return &Credentials{
		Token:     issued.AgentToken,
		WSURL:     issued.WSURL,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (a *Authenticator) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.origin+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("relay returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed relay response: %w", err)
	}
	return nil
}
