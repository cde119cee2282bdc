package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tallybook/tallybook/internal/session"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 32
	minPasswordLen = 8
)

type loginModel struct {
	app           *app
	usernameInput textinput.Model
	passwordInput textinput.Model
	confirmInput  textinput.Model
	focusIdx      int
	isRegister    bool
	loading       bool
	errMsg        string
	width         int
	height        int
}

func newLoginModel(a *app) loginModel {
	username := textinput.New()
	username.Placeholder = fmt.Sprintf("username (%d-%d chars)", minUsernameLen, maxUsernameLen)
	username.CharLimit = maxUsernameLen
	username.Width = 40
	username.Focus()

	password := textinput.New()
	password.Placeholder = fmt.Sprintf("password (min %d chars)", minPasswordLen)
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '*'
	password.CharLimit = 128
	password.Width = 40

	confirm := textinput.New()
	confirm.Placeholder = "confirm password"
	confirm.EchoMode = textinput.EchoPassword
	confirm.EchoCharacter = '*'
	confirm.CharLimit = 128
	confirm.Width = 40

	m := loginModel{
		app:           a,
		usernameInput: username,
		passwordInput: password,
		confirmInput:  confirm,
	}

	// A fresh database (or one holding only pre-account data) starts in
	// register mode since there is nobody to log in as.
	switch a.session.AuthState() {
	case session.StateNoUsers, session.StateLegacyMigration:
		m.isRegister = true
	}
	return m
}

func (m loginModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m loginModel) username() string        { return m.usernameInput.Value() }
func (m loginModel) password() string        { return m.passwordInput.Value() }
func (m loginModel) confirmPassword() string { return m.confirmInput.Value() }

func (m loginModel) inputCount() int {
	if m.isRegister {
		return 3
	}
	return 2
}

func (m loginModel) Update(msg tea.Msg) (loginModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case authErrorMsg:
		m.loading = false
		m.errMsg = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		m.errMsg = ""

		switch msg.String() {
		case "tab", "shift+tab", "down", "up":
			dir := 1
			if msg.String() == "up" || msg.String() == "shift+tab" {
				dir = -1
			}
			m.moveFocus(dir)
			return m, nil

		case "ctrl+r":
			m.isRegister = !m.isRegister
			m.ensureFocusIndex()
			return m, nil

		case "enter":
			if m.loading {
				return m, nil
			}
			if errMsg := m.validateSubmit(); errMsg != "" {
				m.errMsg = errMsg
				return m, nil
			}
			m.loading = true
			return m, m.doAuth(m.isRegister, strings.TrimSpace(m.username()), m.password())
		}
	}

	var cmd tea.Cmd
	switch m.focusIdx {
	case 0:
		m.usernameInput, cmd = m.usernameInput.Update(msg)
	case 1:
		m.passwordInput, cmd = m.passwordInput.Update(msg)
	case 2:
		m.confirmInput, cmd = m.confirmInput.Update(msg)
	}
	return m, cmd
}

func (m loginModel) doAuth(register bool, username, password string) tea.Cmd {
	app := m.app
	return func() tea.Msg {
		ctx := context.Background()
		if register {
			created, err := app.session.Register(ctx, username, password)
			if err != nil {
				return authErrorMsg{err: err}
			}
			return authSuccessMsg{user: created}
		}
		loggedIn, err := app.session.Login(ctx, username, password)
		if err != nil {
			return authErrorMsg{err: err}
		}
		return authSuccessMsg{user: loggedIn}
	}
}

func (m *loginModel) moveFocus(dir int) {
	count := m.inputCount()
	m.focusIdx = (m.focusIdx + dir + count) % count
	m.applyFocus()
}

func (m *loginModel) ensureFocusIndex() {
	if m.focusIdx >= m.inputCount() {
		m.focusIdx = m.inputCount() - 1
	}
	m.applyFocus()
}

func (m *loginModel) applyFocus() {
	m.usernameInput.Blur()
	m.passwordInput.Blur()
	m.confirmInput.Blur()

	switch m.focusIdx {
	case 0:
		m.usernameInput.Focus()
	case 1:
		m.passwordInput.Focus()
	case 2:
		m.confirmInput.Focus()
	}
}

func (m loginModel) validateSubmit() string {
	username := strings.TrimSpace(m.username())
	if username == "" || m.password() == "" {
		return "username and password are required"
	}
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return fmt.Sprintf("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	if m.isRegister {
		if len(m.password()) < minPasswordLen {
			return fmt.Sprintf("password must be at least %d characters", minPasswordLen)
		}
		if m.password() != m.confirmPassword() {
			return "passwords do not match"
		}
	}
	return ""
}

func (m loginModel) View() string {
	var b strings.Builder

	topPad := 0
	if m.height > 15 {
		topPad = (m.height - 15) / 3
	}
	b.WriteString(strings.Repeat("\n", topPad))

	b.WriteString(centerText(appNameStyle.Render("*  tallybook"), m.width))
	b.WriteString("\n")
	b.WriteString(centerText(subtitleStyle.Render("encrypted ledger"), m.width))
	b.WriteString("\n\n")

	mode := "Login"
	if m.isRegister {
		mode = "Register"
	}
	b.WriteString(centerText(headerStyle.Render(fmt.Sprintf("[ %s ]", mode)), m.width))
	b.WriteString("\n\n")

	if m.app.session.AuthState() == session.StateLegacyMigration {
		b.WriteString(centerText(subtitleStyle.Render("existing data found: it will be moved into your new account"), m.width))
		b.WriteString("\n\n")
	}

	labels := []string{"Username", "Password"}
	inputs := []textinput.Model{m.usernameInput, m.passwordInput}
	if m.isRegister {
		labels = append(labels, "Confirm Password")
		inputs = append(inputs, m.confirmInput)
	}
	maxLabel := 0
	for _, label := range labels {
		if len(label) > maxLabel {
			maxLabel = len(label)
		}
	}
	for i, input := range inputs {
		line := labelStyle.Render(fmt.Sprintf("  %-*s: ", maxLabel, labels[i])) + input.View()
		b.WriteString(centerText(line, m.width))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.errMsg != "" {
		b.WriteString(centerText(errorStyle.Render("  x "+m.errMsg), m.width))
		b.WriteString("\n\n")
	}
	if m.loading {
		b.WriteString(centerText(labelStyle.Render("  unlocking..."), m.width))
		b.WriteString("\n\n")
	}

	b.WriteString(centerText(helpStyle.Render("up/down or tab: switch field - ctrl+r: register/login - enter: submit - ctrl+q: quit"), m.width))

	return b.String()
}
