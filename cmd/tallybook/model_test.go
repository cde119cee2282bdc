package main

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/session"
	"github.com/tallybook/tallybook/internal/storage"
	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	users := user.NewService(store.Users())
	records := record.NewService(store.Records())
	queue := writequeue.New(records, time.Hour)
	manager := session.NewManager(users, records, queue, session.NewMemTokenStore(), 0)
	if _, err := manager.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	return &app{session: manager, records: records, queue: queue}
}

func registerTestUser(t *testing.T, a *app, username, password string) user.User {
	t.Helper()
	u, err := a.session.Register(context.Background(), username, password)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return u
}

func TestRootModelStartsOnLogin(t *testing.T) {
	a := newTestApp(t)
	m := newRootModel(a)
	if m.state != stateLogin {
		t.Fatalf("state = %v, want stateLogin", m.state)
	}
}

func TestRootModelStartsOnLedgerWhenAuthenticated(t *testing.T) {
	a := newTestApp(t)
	registerTestUser(t, a, "alice", "correct password 1")

	m := newRootModel(a)
	if m.state != stateLedger {
		t.Fatalf("state = %v, want stateLedger after restore", m.state)
	}
}

func TestRootModelAuthSuccessSwitchesToLedger(t *testing.T) {
	a := newTestApp(t)
	u := registerTestUser(t, a, "alice", "correct password 1")

	m := newRootModel(a)
	m.state = stateLogin

	updated, cmd := m.Update(authSuccessMsg{user: u})
	root := updated.(rootModel)
	if root.state != stateLedger {
		t.Fatalf("state = %v, want stateLedger", root.state)
	}
	if root.ledger.user.ID != u.ID {
		t.Fatalf("ledger user = %q, want %q", root.ledger.user.ID, u.ID)
	}
	if cmd == nil {
		t.Fatal("expected an entries-load command")
	}
}

func TestRootModelLogoutSwitchesToLogin(t *testing.T) {
	a := newTestApp(t)
	registerTestUser(t, a, "alice", "correct password 1")

	m := newRootModel(a)
	updated, _ := m.Update(loggedOutMsg{})
	root := updated.(rootModel)
	if root.state != stateLogin {
		t.Fatalf("state = %v, want stateLogin", root.state)
	}
}

func TestRootModelCtrlQQuits(t *testing.T) {
	a := newTestApp(t)
	m := newRootModel(a)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlQ})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
