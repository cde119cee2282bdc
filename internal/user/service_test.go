package user

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRepo struct {
	users   map[ID]User
	byName  map[string]ID
	listErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: map[ID]User{}, byName: map[string]ID{}}
}

func (r *fakeRepo) Create(_ context.Context, u User) error {
	if _, ok := r.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	r.users[u.ID] = u
	r.byName[u.Username] = u.ID
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id ID) (User, error) {
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) GetByUsername(_ context.Context, name string) (User, error) {
	id, ok := r.byName[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return r.users[id], nil
}

func (r *fakeRepo) List(_ context.Context) ([]User, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []User
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}

func (r *fakeRepo) Delete(_ context.Context, id ID) error {
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byName, u.Username)
	delete(r.users, id)
	return nil
}

func validUser(name string) User {
	return User{
		Username:           name,
		Salt:               []byte("0123456789abcdef"),
		WrappedDEK:         []byte("wrapped"),
		WrapIV:             []byte("iv-wrap"),
		SentinelCiphertext: []byte("sentinel-ct"),
		SentinelIV:         []byte("iv-sent"),
	}
}

func TestCreate_FillsIDAndTimestamp(t *testing.T) {
	svc := NewService(newFakeRepo())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	u, err := svc.Create(context.Background(), validUser("  Alice "))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected generated id")
	}
	if u.Username != "alice" {
		t.Fatalf("username = %q, want normalized %q", u.Username, "alice")
	}
	if !u.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %v, want %v", u.CreatedAt, fixed)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(newFakeRepo())

	cases := []User{
		validUser("a"), // too short
		validUser("this-username-is-way-too-long-to-be-allowed"),
		{Username: "alice"}, // missing key material
	}
	for i, u := range cases {
		if _, err := svc.Create(context.Background(), u); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: Create() error = %v, want ErrInvalidInput", i, err)
		}
	}
}

func TestCreate_DuplicateUsername(t *testing.T) {
	svc := NewService(newFakeRepo())
	if _, err := svc.Create(context.Background(), validUser("alice")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Create(context.Background(), validUser("ALICE")); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate Create() error = %v, want ErrUsernameTaken", err)
	}
}

func TestIsAvailable(t *testing.T) {
	svc := NewService(newFakeRepo())
	if _, err := svc.Create(context.Background(), validUser("alice")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	free, err := svc.IsAvailable(context.Background(), "bob")
	if err != nil || !free {
		t.Fatalf("IsAvailable(bob) = %v, %v; want true", free, err)
	}
	free, err = svc.IsAvailable(context.Background(), " Alice ")
	if err != nil || free {
		t.Fatalf("IsAvailable(Alice) = %v, %v; want false", free, err)
	}
	if _, err := svc.IsAvailable(context.Background(), "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("IsAvailable(short) error = %v, want ErrInvalidInput", err)
	}
}

func TestGetByUsername_Normalizes(t *testing.T) {
	svc := NewService(newFakeRepo())
	created, _ := svc.Create(context.Background(), validUser("alice"))

	got, err := svc.GetByUsername(context.Background(), "  ALICE  ")
	if err != nil {
		t.Fatalf("GetByUsername() error = %v", err)
	}
	if got.ID != created.ID {
		t.Fatal("lookup returned a different user")
	}
}

func TestDelete(t *testing.T) {
	svc := NewService(newFakeRepo())
	created, _ := svc.Create(context.Background(), validUser("alice"))

	if err := svc.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.GetByID(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
	// Username becomes available again.
	free, err := svc.IsAvailable(context.Background(), "alice")
	if err != nil || !free {
		t.Fatalf("IsAvailable after delete = %v, %v; want true", free, err)
	}
}

func TestService_NilRepo(t *testing.T) {
	svc := &Service{}
	if _, err := svc.Create(context.Background(), validUser("alice")); err == nil {
		t.Fatal("expected error with nil repository")
	}
	if _, err := svc.List(context.Background()); err == nil {
		t.Fatal("expected error with nil repository")
	}
}
