package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tallybook/tallybook/internal/crypto"
	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[user.ID]user.User
	byName map[string]user.ID
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[user.ID]user.User), byName: make(map[string]user.ID)}
}

func (r *fakeUserRepo) Create(ctx context.Context, u user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[u.Username]; exists {
		return user.ErrUsernameTaken
	}
	r.users[u.ID] = u
	r.byName[u.Username] = u.ID
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[username]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return r.users[id], nil
}

func (r *fakeUserRepo) List(ctx context.Context) ([]user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]user.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}

func (r *fakeUserRepo) Delete(ctx context.Context, id user.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return user.ErrNotFound
	}
	delete(r.users, id)
	delete(r.byName, u.Username)
	return nil
}

type tripleKey struct {
	collection string
	id         string
	userID     user.ID
}

type fakeRecordRepo struct {
	mu   sync.Mutex
	recs map[tripleKey]record.EncryptedRecord
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{recs: make(map[tripleKey]record.EncryptedRecord)}
}

func (r *fakeRecordRepo) Put(ctx context.Context, rec record.EncryptedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[tripleKey{rec.Collection, rec.ID, rec.UserID}] = rec
	return nil
}

func (r *fakeRecordRepo) PutBatch(ctx context.Context, recs []record.EncryptedRecord) error {
	for _, rec := range recs {
		if err := r.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRecordRepo) Get(ctx context.Context, collection, id string, userID user.ID) (record.EncryptedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[tripleKey{collection, id, userID}]
	if !ok {
		return record.EncryptedRecord{}, record.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRecordRepo) ListByUser(ctx context.Context, collection string, userID user.ID) ([]record.EncryptedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []record.EncryptedRecord
	for key, rec := range r.recs {
		if key.collection == collection && key.userID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) ListCollections(ctx context.Context, userID user.ID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for key := range r.recs {
		if key.userID == userID && !seen[key.collection] {
			seen[key.collection] = true
			out = append(out, key.collection)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) Delete(ctx context.Context, collection, id string, userID user.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tripleKey{collection, id, userID}
	if _, ok := r.recs[key]; !ok {
		return record.ErrNotFound
	}
	delete(r.recs, key)
	return nil
}

func (r *fakeRecordRepo) DeleteAllForUser(ctx context.Context, userID user.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.recs {
		if key.userID == userID {
			delete(r.recs, key)
		}
	}
	return nil
}

func (r *fakeRecordRepo) ListLegacy(ctx context.Context) ([]record.EncryptedRecord, error) {
	return r.ListByUser(ctx, "entries", "")
}

func (r *fakeRecordRepo) ReplaceLegacy(ctx context.Context, recs []record.EncryptedRecord) error {
	r.mu.Lock()
	for key := range r.recs {
		if key.userID == "" {
			delete(r.recs, key)
		}
	}
	r.mu.Unlock()
	return r.PutBatch(ctx, recs)
}

type testEnv struct {
	manager *Manager
	users   *fakeUserRepo
	records *fakeRecordRepo
	recSvc  *record.Service
	queue   *writequeue.Queue
	tokens  TokenStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	userRepo := newFakeUserRepo()
	recordRepo := newFakeRecordRepo()
	recSvc := record.NewService(recordRepo)
	queue := writequeue.New(recSvc, time.Hour)
	tokens := NewMemTokenStore()
	manager := NewManager(user.NewService(userRepo), recSvc, queue, tokens, 0)
	return &testEnv{
		manager: manager,
		users:   userRepo,
		records: recordRepo,
		recSvc:  recSvc,
		queue:   queue,
		tokens:  tokens,
	}
}

func (e *testEnv) newManager() *Manager {
	return NewManager(user.NewService(e.users), e.recSvc, e.queue, e.tokens, 0)
}

func TestBootstrapFreshInstall(t *testing.T) {
	env := newTestEnv(t)

	state, err := env.manager.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if state != StateNoUsers {
		t.Fatalf("Bootstrap() state = %v, want StateNoUsers", state)
	}
	if env.manager.AuthState() != StateNoUsers {
		t.Fatalf("AuthState() = %v, want StateNoUsers", env.manager.AuthState())
	}
}

func TestBootstrapDetectsLegacyData(t *testing.T) {
	env := newTestEnv(t)
	seedLegacyRow(t, env, "hunter2-legacy", "e1", `{"amount":5}`)

	state, err := env.manager.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if state != StateLegacyMigration {
		t.Fatalf("Bootstrap() state = %v, want StateLegacyMigration", state)
	}
}

func TestRegisterActivatesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.manager.Register(ctx, "Alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if u.ID == "" || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if env.manager.AuthState() != StateAuthenticated {
		t.Fatalf("AuthState() = %v, want StateAuthenticated", env.manager.AuthState())
	}

	dek := env.manager.ActiveDEK()
	if len(dek) != crypto.KeySize {
		t.Fatalf("ActiveDEK() len = %d, want %d", len(dek), crypto.KeySize)
	}
	if err := crypto.VerifySentinel(u.SentinelCiphertext, u.SentinelIV, dek); err != nil {
		t.Fatalf("sentinel does not verify under active DEK: %v", err)
	}

	if _, ok, _ := env.tokens.Load(); !ok {
		t.Fatal("Register() should issue a session token")
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Register(ctx, "alice", "short"); err == nil {
		t.Fatal("Register() with short password should fail")
	}

	if _, err := env.manager.Register(ctx, "alice", "long enough password"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := env.manager.Register(ctx, "ALICE", "another password 123"); !errors.Is(err, user.ErrUsernameTaken) {
		t.Fatalf("duplicate Register() error = %v, want ErrUsernameTaken", err)
	}
}

func TestLoginWrongCredentialsAreUniform(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := env.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}

	if _, err := env.manager.Login(ctx, "alice", "wrong password 00"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password error = %v, want ErrUnauthorized", err)
	}
	if _, err := env.manager.Login(ctx, "nobody", "correct password 1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown user error = %v, want ErrUnauthorized", err)
	}
	if env.manager.AuthState() == StateAuthenticated {
		t.Fatal("failed logins must not authenticate")
	}

	u, err := env.manager.Login(ctx, "alice", "correct password 1")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if u.Username != "alice" || env.manager.AuthState() != StateAuthenticated {
		t.Fatalf("Login() did not activate the session: %+v", u)
	}
}

func TestSessionDataRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.manager.Register(ctx, "alice", "correct password 1")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	dek := env.manager.ActiveDEK()

	type entry struct {
		Amount int `json:"amount"`
	}
	if err := env.recSvc.Store(ctx, "entries", "e1", entry{Amount: 42}, dek, u.ID); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	var got entry
	if err := env.recSvc.Get(ctx, "entries", "e1", dek, u.ID, &got); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Amount != 42 {
		t.Fatalf("Get() = %+v, want amount 42", got)
	}
}

func TestTokenRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registered, err := env.manager.Register(ctx, "alice", "correct password 1")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	restored := env.newManager()
	state, err := restored.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if state != StateAuthenticated {
		t.Fatalf("Bootstrap() state = %v, want StateAuthenticated", state)
	}
	current, ok := restored.CurrentUser()
	if !ok || current.ID != registered.ID {
		t.Fatalf("CurrentUser() = %+v, %v; want %v", current, ok, registered.ID)
	}
	if len(restored.ActiveDEK()) != crypto.KeySize {
		t.Fatal("restored session has no DEK")
	}
}

func TestTokenRestoreExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	restored := env.newManager()
	restored.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }

	state, err := restored.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if state != StateLogin {
		t.Fatalf("Bootstrap() state = %v, want StateLogin", state)
	}
	if _, ok, _ := env.tokens.Load(); ok {
		t.Fatal("expired token should have been discarded")
	}
}

func TestTokenHonorsConfiguredTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	manager := NewManager(user.NewService(env.users), env.recSvc, env.queue, env.tokens, time.Hour)
	issued := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return issued }

	if _, err := manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	token, ok, err := env.tokens.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v; want a stored token", ok, err)
	}
	if want := issued.Add(time.Hour); !token.ExpiresAt.Equal(want) {
		t.Fatalf("token ExpiresAt = %v, want %v", token.ExpiresAt, want)
	}
}

func TestTokenTTLDefaultsWhenUnset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issued := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	env.manager.now = func() time.Time { return issued }

	if _, err := env.manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	token, ok, err := env.tokens.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v; want a stored token", ok, err)
	}
	if want := issued.Add(DefaultTokenTTL); !token.ExpiresAt.Equal(want) {
		t.Fatalf("token ExpiresAt = %v, want %v", token.ExpiresAt, want)
	}
}

func TestTokenRestoreGarbled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	token, _, _ := env.tokens.Load()
	token.WrappedDEK[0] ^= 0xff
	if err := env.tokens.Save(token); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	restored := env.newManager()
	state, err := restored.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if state != StateLogin {
		t.Fatalf("Bootstrap() state = %v, want StateLogin", state)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.manager.Register(ctx, "alice", "correct password 1")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := env.queue.Enqueue("entries", "e1", map[string]int{"amount": 7}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := env.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if env.manager.AuthState() != StateLogin {
		t.Fatalf("AuthState() = %v, want StateLogin", env.manager.AuthState())
	}
	if env.manager.ActiveDEK() != nil {
		t.Fatal("ActiveDEK() must be nil after logout")
	}
	if _, ok, _ := env.tokens.Load(); ok {
		t.Fatal("token must be deleted on logout")
	}

	// The pending write was flushed before the session ended.
	if _, err := env.records.Get(ctx, "entries", "e1", u.ID); err != nil {
		t.Fatalf("queued write was not flushed on logout: %v", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.manager.Register(ctx, "alice", "correct password 1")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	dek := env.manager.ActiveDEK()
	if err := env.recSvc.Store(ctx, "entries", "e1", map[string]int{"amount": 1}, dek, u.ID); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	if err := env.manager.DeleteAccount(ctx, u.ID); err != nil {
		t.Fatalf("DeleteAccount() error: %v", err)
	}
	if env.manager.AuthState() != StateNoUsers {
		t.Fatalf("AuthState() = %v, want StateNoUsers", env.manager.AuthState())
	}
	if _, err := env.users.GetByID(ctx, u.ID); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("user still exists: %v", err)
	}
	if _, err := env.records.Get(ctx, "entries", "e1", u.ID); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("records still exist: %v", err)
	}
}

func TestDeleteOtherAccountKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other, err := env.manager.Register(ctx, "bob", "another password 1")
	if err != nil {
		t.Fatalf("Register(bob) error: %v", err)
	}
	if err := env.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := env.manager.Register(ctx, "alice", "correct password 1"); err != nil {
		t.Fatalf("Register(alice) error: %v", err)
	}

	if err := env.manager.DeleteAccount(ctx, other.ID); err != nil {
		t.Fatalf("DeleteAccount() error: %v", err)
	}
	if env.manager.AuthState() != StateAuthenticated {
		t.Fatalf("AuthState() = %v, deleting another account must keep the session", env.manager.AuthState())
	}
}

func TestRegisterMigratesLegacyData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	password := "correct password 1"

	seedLegacyRow(t, env, password, "e1", `{"amount":10}`)
	seedLegacyRow(t, env, password, "e2", `{"amount":20}`)

	u, err := env.manager.Register(ctx, "alice", password)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	hasLegacy, err := env.recSvc.HasLegacyData(ctx)
	if err != nil {
		t.Fatalf("HasLegacyData() error: %v", err)
	}
	if hasLegacy {
		t.Fatal("legacy rows should be gone after migration")
	}

	plains, err := env.recSvc.List(ctx, "entries", env.manager.ActiveDEK(), u.ID)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(plains) != 2 {
		t.Fatalf("migrated rows = %d, want 2", len(plains))
	}
}

func TestRegisterKeepsLegacyRowsOnKeyMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedLegacyRow(t, env, "old password xyz", "e1", `{"amount":10}`)

	if _, err := env.manager.Register(ctx, "alice", "different password"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	hasLegacy, err := env.recSvc.HasLegacyData(ctx)
	if err != nil {
		t.Fatalf("HasLegacyData() error: %v", err)
	}
	if !hasLegacy {
		t.Fatal("undecryptable legacy rows must stay for a later attempt")
	}
}

// seedLegacyRow writes a pre-multi-user row: empty user id, key derived from
// the password with the static legacy salt, no associated data.
func seedLegacyRow(t *testing.T, env *testEnv, password, id, payload string) {
	t.Helper()
	legacyDEK := crypto.DeriveKey(password, legacySalt)
	defer crypto.Zero(legacyDEK)

	ct, iv, err := crypto.EncryptBytes(legacyDEK, []byte(payload), nil)
	if err != nil {
		t.Fatalf("encrypt legacy row: %v", err)
	}
	err = env.records.Put(context.Background(), record.EncryptedRecord{
		Collection: "entries",
		ID:         id,
		UserID:     "",
		Ciphertext: ct,
		IV:         iv,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
}
