// Package identity manages the bridge's persistent agent identity: an
// Ed25519 keypair, the relay-assigned agent id, and the human-readable
// pairing code.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

// formatTag marks the on-disk identity file layout.
const formatTag = "bridge-identity-1"

var pairCodePattern = regexp.MustCompile(`^[0-9A-F]{6}$`)

// identityFile is the persisted representation. Key material is base64
// encoded; the file is written with mode 0600.
type identityFile struct {
	Format      string    `json:"format"`
	PublicKey   string    `json:"public_key"`
	PrivateSeed string    `json:"private_seed"`
	AgentID     string    `json:"agent_id,omitempty"`
	PairCode    string    `json:"pair_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store owns the agent identity. It loads the backing file lazily once
// per process and persists immediately after every mutation. A corrupt
// or unreadable file is silently replaced with a fresh identity; key
// material never regenerates otherwise.
type Store struct {
	path string

	mu       sync.Mutex
	loaded   bool
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	agentID  string
	pairCode string
	created  time.Time
}

// NewStore creates a store backed by the given file path. The file is
// not touched until the first accessor runs.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// PublicKey returns the 32-byte Ed25519 public key.
func (s *Store) PublicKey() (ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	key := make(ed25519.PublicKey, len(s.pub))
	copy(key, s.pub)
	return key, nil
}

// AgentID returns the relay-assigned agent id, or "" if none has been
// assigned yet.
func (s *Store) AgentID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	return s.agentID, nil
}

// SetAgentID records the relay-assigned agent id and persists it.
func (s *Store) SetAgentID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if s.agentID == id {
		return nil
	}
	s.agentID = id
	return s.persistLocked()
}

// PairCode returns the current pairing code.
func (s *Store) PairCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	return s.pairCode, nil
}

// SetPairCode replaces the pairing code. The code must be exactly six
// uppercase hex characters; anything else leaves the previous code
// unchanged and returns model.ErrPairCodeFormat.
func (s *Store) SetPairCode(code string) error {
	if !pairCodePattern.MatchString(code) {
		return model.ErrPairCodeFormat
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.pairCode = code
	return s.persistLocked()
}

// RegeneratePairCode replaces the pairing code with a fresh random one
// and returns it.
func (s *Store) RegeneratePairCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	code, err := randomPairCode()
	if err != nil {
		return "", err
	}
	s.pairCode = code
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return code, nil
}

// Sign produces a 64-byte Ed25519 signature over nonce. The caller must
// pass the decoded nonce bytes, not their transport encoding.
func (s *Store) Sign(nonce []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, nonce), nil
}

// CreatedAt returns when the identity was first generated.
func (s *Store) CreatedAt() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return time.Time{}, err
	}
	return s.created, nil
}

// ensureLoaded loads the identity file on first use. Load failures of
// any kind fall back to generating a fresh identity rather than
// propagating an error; losing a corrupt identity beats refusing to
// start.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	if file, err := s.readFile(); err == nil {
		s.pub = file.pub
		s.priv = file.priv
		s.agentID = file.AgentID
		s.pairCode = file.PairCode
		s.created = file.CreatedAt
		s.loaded = true
		return nil
	} else if !os.IsNotExist(err) {
		log.Printf("identity: discarding unreadable identity file: %v", err)
	}

	if err := s.generateLocked(); err != nil {
		return err
	}
	s.loaded = true
	return s.persistLocked()
}

// loadedFile carries a parsed identity file plus decoded key material.
type loadedFile struct {
	identityFile
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (s *Store) readFile() (*loadedFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file loadedFile
	if err := json.Unmarshal(data, &file.identityFile); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if file.Format != formatTag {
		return nil, fmt.Errorf("unknown identity format %q", file.Format)
	}

	pub, err := base64.StdEncoding.DecodeString(file.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key in identity file")
	}
	seed, err := base64.StdEncoding.DecodeString(file.PrivateSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid private seed in identity file")
	}
	if !pairCodePattern.MatchString(file.PairCode) {
		return nil, fmt.Errorf("invalid pair code in identity file")
	}

	file.priv = ed25519.NewKeyFromSeed(seed)
	file.pub = file.priv.Public().(ed25519.PublicKey)
	if !file.pub.Equal(ed25519.PublicKey(pub)) {
		return nil, fmt.Errorf("identity public key does not match seed")
	}
	return &file, nil
}

func (s *Store) generateLocked() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate identity keypair: %w", err)
	}
	code, err := randomPairCode()
	if err != nil {
		return err
	}
	s.pub = pub
	s.priv = priv
	s.agentID = ""
	s.pairCode = code
	s.created = time.Now().UTC()
	log.Printf("identity: generated new agent identity")
	return nil
}

// persistLocked writes the identity file atomically with a 0600 mask.
func (s *Store) persistLocked() error {
	file := identityFile{
		Format:      formatTag,
		PublicKey:   base64.StdEncoding.EncodeToString(s.pub),
		PrivateSeed: base64.StdEncoding.EncodeToString(s.priv.Seed()),
		AgentID:     s.agentID,
		PairCode:    s.pairCode,
		CreatedAt:   s.created,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create identity directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

// randomPairCode returns six uppercase hex characters from crypto/rand.
func randomPairCode() (string, error) {
	var raw [3]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate pair code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(raw[:])), nil
}
