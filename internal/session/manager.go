// Package session owns authentication state: who is logged in, which DEK is
// active, and how both survive (or don't survive) process restarts.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tallybook/tallybook/internal/crypto"
	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/securelog"
	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

// ErrUnauthorized is the uniform login failure: unknown user, wrong
// password, and corrupt key material all look identical to the caller.
var ErrUnauthorized = errors.New("invalid username or password")

var ErrNotAuthenticated = errors.New("not authenticated")

const (
	DefaultTokenTTL = 72 * time.Hour

	minPasswordLen = 8
)

// legacySalt is the static salt the pre-multi-user builds derived their
// single key from. Migration re-derives that key from the password entered
// at registration.
var legacySalt = []byte("tallybook-legacy-salt")

type AuthState int

const (
	StateLoading AuthState = iota
	StateNoUsers
	StateLegacyMigration
	StateLogin
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateNoUsers:
		return "no_users"
	case StateLegacyMigration:
		return "legacy_migration"
	case StateLogin:
		return "login"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Manager drives the auth state machine. There is at most one active
// session; all state lives behind one mutex.
type Manager struct {
	users   *user.Service
	records *record.Service
	queue   *writequeue.Queue
	tokens  TokenStore
	now     func() time.Time
	ttl     time.Duration

	mu      sync.Mutex
	state   AuthState
	current user.User
	dek     []byte
}

// NewManager builds a manager issuing tokens that live for ttl. A zero or
// negative ttl falls back to DefaultTokenTTL.
func NewManager(users *user.Service, records *record.Service, queue *writequeue.Queue, tokens TokenStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{
		users:   users,
		records: records,
		queue:   queue,
		tokens:  tokens,
		now:     time.Now,
		ttl:     ttl,
		state:   StateLoading,
	}
}

// Bootstrap decides the initial state: fresh install, pending legacy data,
// a restorable session, or the login prompt.
func (m *Manager) Bootstrap(ctx context.Context) (AuthState, error) {
	users, err := m.users.List(ctx)
	if err != nil {
		return StateLoading, fmt.Errorf("list users: %w", err)
	}

	if len(users) == 0 {
		hasLegacy, err := m.records.HasLegacyData(ctx)
		if err != nil {
			return StateLoading, fmt.Errorf("check legacy data: %w", err)
		}
		next := StateNoUsers
		if hasLegacy {
			next = StateLegacyMigration
		}
		m.setState(next)
		return next, nil
	}

	if m.restore(ctx) {
		return StateAuthenticated, nil
	}
	m.setState(StateLogin)
	return StateLogin, nil
}

// Register creates an account and activates it. The availability check runs
// before any key material is generated so a taken username costs nothing.
func (m *Manager) Register(ctx context.Context, username, password string) (user.User, error) {
	if len(password) < minPasswordLen {
		return user.User{}, fmt.Errorf("%w: password must be at least %d characters", user.ErrInvalidInput, minPasswordLen)
	}
	available, err := m.users.IsAvailable(ctx, username)
	if err != nil {
		return user.User{}, err
	}
	if !available {
		return user.User{}, user.ErrUsernameTaken
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return user.User{}, err
	}
	kwk := crypto.DeriveKey(password, salt)
	defer crypto.Zero(kwk)

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return user.User{}, err
	}
	wrapped, wrapIV, err := crypto.Wrap(dek, kwk)
	if err != nil {
		crypto.Zero(dek)
		return user.User{}, err
	}
	sentinelCT, sentinelIV, err := crypto.EncryptSentinel(dek)
	if err != nil {
		crypto.Zero(dek)
		return user.User{}, err
	}

	created, err := m.users.Create(ctx, user.User{
		Username:           username,
		Salt:               salt,
		WrappedDEK:         wrapped,
		WrapIV:             wrapIV,
		SentinelCiphertext: sentinelCT,
		SentinelIV:         sentinelIV,
	})
	if err != nil {
		crypto.Zero(dek)
		return user.User{}, err
	}

	m.migrateLegacy(ctx, created.ID, password, dek)
	m.activate(created, dek)
	return created, nil
}

// Login verifies the password by unwrapping the DEK and checking the
// sentinel. Every failure mode collapses into ErrUnauthorized.
func (m *Manager) Login(ctx context.Context, username, password string) (user.User, error) {
	u, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		securelog.Error("session login lookup", err)
		return user.User{}, ErrUnauthorized
	}

	kwk := crypto.DeriveKey(password, u.Salt)
	defer crypto.Zero(kwk)

	dek, err := crypto.Unwrap(u.WrappedDEK, u.WrapIV, kwk)
	if err != nil {
		return user.User{}, ErrUnauthorized
	}
	if err := crypto.VerifySentinel(u.SentinelCiphertext, u.SentinelIV, dek); err != nil {
		crypto.Zero(dek)
		return user.User{}, ErrUnauthorized
	}

	m.activate(u, dek)
	return u, nil
}

// Logout flushes pending writes, then clears the queue, the in-memory DEK,
// and the stored token. A failed flush is reported but never blocks the
// session teardown.
func (m *Manager) Logout(ctx context.Context) error {
	flushErr := m.queue.FlushNow(ctx)
	if flushErr != nil {
		securelog.Error("session logout flush", flushErr)
	}
	m.queue.ClearActiveUser()

	m.mu.Lock()
	crypto.Zero(m.dek)
	m.dek = nil
	m.current = user.User{}
	m.state = StateLogin
	m.mu.Unlock()

	if err := m.tokens.Delete(); err != nil {
		securelog.Error("session token delete", err)
	}
	return flushErr
}

// DeleteAccount removes the user and every record they own. Deleting the
// active account also ends the session.
func (m *Manager) DeleteAccount(ctx context.Context, userID user.ID) error {
	m.mu.Lock()
	active := m.current.ID == userID && m.state == StateAuthenticated
	m.mu.Unlock()

	if active {
		if err := m.queue.FlushNow(ctx); err != nil {
			securelog.Error("session delete-account flush", err)
		}
		m.queue.ClearActiveUser()
	}

	if err := m.records.ClearUserData(ctx, userID); err != nil {
		return fmt.Errorf("clear user data: %w", err)
	}
	if err := m.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if active {
		m.mu.Lock()
		crypto.Zero(m.dek)
		m.dek = nil
		m.current = user.User{}
		m.state = StateLogin
		m.mu.Unlock()
		if err := m.tokens.Delete(); err != nil {
			securelog.Error("session token delete", err)
		}
	}

	remaining, err := m.users.List(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(remaining) == 0 {
		m.setState(StateNoUsers)
	}
	return nil
}

// ActiveDEK returns a copy of the active session key, or nil when logged out.
func (m *Manager) ActiveDEK() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return nil
	}
	return append([]byte(nil), m.dek...)
}

func (m *Manager) CurrentUser() (user.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.state == StateAuthenticated
}

func (m *Manager) AuthState() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsUsernameAvailable(ctx context.Context, username string) (bool, error) {
	return m.users.IsAvailable(ctx, username)
}

// activate takes ownership of dek.
func (m *Manager) activate(u user.User, dek []byte) {
	m.queue.SetActiveUser(u.ID, dek)

	m.mu.Lock()
	crypto.Zero(m.dek)
	m.current = u
	m.dek = dek
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.issueToken(u, dek); err != nil {
		// The session works without a token; it just won't survive a restart.
		securelog.Error("session token issue", err)
	}
}

// issueToken wraps the DEK under a fresh random password so the token never
// contains the real password or a plaintext key.
func (m *Manager) issueToken(u user.User, dek []byte) error {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("generate ephemeral password: %w", err)
	}
	ephemeral := base64.RawStdEncoding.EncodeToString(raw)

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	kwk := crypto.DeriveKey(ephemeral, salt)
	defer crypto.Zero(kwk)

	wrapped, iv, err := crypto.Wrap(dek, kwk)
	if err != nil {
		return err
	}
	return m.tokens.Save(Token{
		UserID:     u.ID,
		Username:   u.Username,
		WrappedDEK: wrapped,
		IV:         iv,
		Salt:       salt,
		Password:   ephemeral,
		ExpiresAt:  m.now().Add(m.ttl),
	})
}

// restore re-activates a session from a stored token. Anything suspect
// (expired, deleted user, failed unwrap) discards the token and falls back
// to the login prompt.
func (m *Manager) restore(ctx context.Context) bool {
	token, ok, err := m.tokens.Load()
	if err != nil {
		securelog.Error("session token load", err)
		return false
	}
	if !ok {
		return false
	}
	if token.Expired(m.now()) {
		_ = m.tokens.Delete()
		return false
	}

	u, err := m.users.GetByID(ctx, token.UserID)
	if err != nil {
		_ = m.tokens.Delete()
		return false
	}

	kwk := crypto.DeriveKey(token.Password, token.Salt)
	defer crypto.Zero(kwk)

	dek, err := crypto.Unwrap(token.WrappedDEK, token.IV, kwk)
	if err != nil {
		_ = m.tokens.Delete()
		return false
	}
	if err := crypto.VerifySentinel(u.SentinelCiphertext, u.SentinelIV, dek); err != nil {
		crypto.Zero(dek)
		_ = m.tokens.Delete()
		return false
	}

	m.activate(u, dek)
	return true
}

// migrateLegacy re-keys pre-multi-user rows under the new account. A key
// mismatch leaves the rows untouched for a later attempt instead of failing
// the registration.
func (m *Manager) migrateLegacy(ctx context.Context, userID user.ID, password string, dek []byte) {
	hasLegacy, err := m.records.HasLegacyData(ctx)
	if err != nil {
		securelog.Error("session legacy check", err)
		return
	}
	if !hasLegacy {
		return
	}

	legacyDEK := crypto.DeriveKey(password, legacySalt)
	defer crypto.Zero(legacyDEK)

	count, err := m.records.MigrateLegacy(ctx, userID, legacyDEK, dek)
	if err != nil {
		securelog.Error("session legacy migration", err)
		return
	}
	securelog.Event("session.migrateLegacy", fmt.Sprintf("rows=%d", count), 0)
}

func (m *Manager) setState(s AuthState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
