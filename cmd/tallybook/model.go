package main

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/session"
	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

// app bundles the services every screen talks to.
type app struct {
	session *session.Manager
	records *record.Service
	queue   *writequeue.Queue
}

type appState int

const (
	stateLogin appState = iota
	stateLedger
)

type authSuccessMsg struct {
	user user.User
}

type authErrorMsg struct {
	err error
}

type loggedOutMsg struct{}

type queueEventMsg struct {
	event writequeue.Event
}

type rootModel struct {
	app    *app
	state  appState
	login  loginModel
	ledger ledgerModel
	width  int
	height int
}

func newRootModel(a *app) rootModel {
	m := rootModel{
		app:   a,
		state: stateLogin,
		login: newLoginModel(a),
	}
	if u, ok := a.session.CurrentUser(); ok {
		m.state = stateLedger
		m.ledger = newLedgerModel(a, u, 0, 0)
	}
	return m
}

func (m rootModel) Init() tea.Cmd {
	if m.state == stateLedger {
		return m.ledger.Init()
	}
	return m.login.Init()
}

func (m rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if wsm, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = wsm.Width
		m.height = wsm.Height
	}

	if km, ok := msg.(tea.KeyMsg); ok && km.String() == "ctrl+q" {
		return m, tea.Quit
	}

	switch msg := msg.(type) {
	case authSuccessMsg:
		m.state = stateLedger
		m.ledger = newLedgerModel(m.app, msg.user, m.width, m.height)
		return m, m.ledger.Init()

	case loggedOutMsg:
		m.state = stateLogin
		m.login = newLoginModel(m.app)
		return m, m.login.Init()
	}

	switch m.state {
	case stateLogin:
		var cmd tea.Cmd
		m.login, cmd = m.login.Update(msg)
		return m, cmd

	case stateLedger:
		var cmd tea.Cmd
		m.ledger, cmd = m.ledger.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m rootModel) View() string {
	switch m.state {
	case stateLogin:
		return m.login.View()
	case stateLedger:
		return m.ledger.View()
	}
	return ""
}
