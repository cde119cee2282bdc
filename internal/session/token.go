package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tallybook/tallybook/internal/user"
)

// Token lets a session survive a restart without persisting the real
// password or a plaintext DEK: the DEK is wrapped a second time under a
// random ephemeral password that only lives inside the token itself.
type Token struct {
	UserID     user.ID   `json:"userId"`
	Username   string    `json:"username"`
	WrappedDEK []byte    `json:"wrappedDek"`
	IV         []byte    `json:"iv"`
	Salt       []byte    `json:"salt"`
	Password   string    `json:"password"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t Token) valid() bool {
	return t.UserID != "" && len(t.WrappedDEK) > 0 && len(t.IV) > 0 &&
		len(t.Salt) > 0 && t.Password != "" && !t.ExpiresAt.IsZero()
}

// TokenStore persists at most one session token.
type TokenStore interface {
	Save(t Token) error
	Load() (Token, bool, error)
	Delete() error
}

type memTokenStore struct {
	mu    sync.Mutex
	token Token
	set   bool
}

// NewMemTokenStore keeps the token in memory only; the session then lasts
// exactly as long as the process.
func NewMemTokenStore() TokenStore {
	return &memTokenStore{}
}

func (s *memTokenStore) Save(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	s.set = true
	return nil
}

func (s *memTokenStore) Load() (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.set, nil
}

func (s *memTokenStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{}
	s.set = false
	return nil
}

type fileTokenStore struct {
	path string
}

// NewFileTokenStore persists the token as a 0600 JSON file under dir.
// Pass "" to use the platform cache directory.
func NewFileTokenStore(dir string) (TokenStore, error) {
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		dir = filepath.Join(cacheDir, "tallybook")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &fileTokenStore{path: filepath.Join(dir, "session.json")}, nil
}

func (s *fileTokenStore) Save(t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func (s *fileTokenStore) Load() (Token, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("read token: %w", err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil || !t.valid() {
		// A garbled token is treated as absent; the caller falls back to
		// the login prompt.
		_ = os.Remove(s.path)
		return Token{}, false, nil
	}
	return t, true, nil
}

func (s *fileTokenStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
