package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

const entriesCollection = "entries"

// Entry is one ledger line. Amounts are whole cents; negative is spending.
type Entry struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Cents       int64     `json:"cents"`
	CreatedAt   time.Time `json:"createdAt"`
}

type entriesLoadedMsg struct {
	entries []Entry
}

type entryDeletedMsg struct {
	id string
}

type exportDoneMsg struct {
	path string
}

type importDoneMsg struct {
	count int
}

type opErrorMsg struct {
	err error
}

type ledgerMode int

const (
	modeBrowse ledgerMode = iota
	modeAdd
	modeExport
	modeImport
	modeConfirmDelete
)

type ledgerModel struct {
	app     *app
	user    user.User
	entries []Entry

	descInput   textinput.Model
	amountInput textinput.Model
	pathInput   textinput.Model
	passInput   textinput.Model
	mode        ledgerMode
	focusIdx    int

	cursor  int
	status  string
	errMsg  string
	pending int
	width   int
	height  int
}

func newLedgerModel(a *app, u user.User, width, height int) ledgerModel {
	desc := textinput.New()
	desc.Placeholder = "description"
	desc.CharLimit = 120
	desc.Width = 32

	amount := textinput.New()
	amount.Placeholder = "amount, e.g. -12.50"
	amount.CharLimit = 16
	amount.Width = 16

	path := textinput.New()
	path.Placeholder = "tallybook-export.json"
	path.CharLimit = 256
	path.Width = 40

	pass := textinput.New()
	pass.Placeholder = "backup passphrase"
	pass.CharLimit = 128
	pass.Width = 32
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '*'

	return ledgerModel{
		app:         a,
		user:        u,
		descInput:   desc,
		amountInput: amount,
		pathInput:   path,
		passInput:   pass,
		width:       width,
		height:      height,
	}
}

func (m ledgerModel) Init() tea.Cmd {
	return m.loadEntries()
}

func (m ledgerModel) loadEntries() tea.Cmd {
	app := m.app
	userID := m.user.ID
	return func() tea.Msg {
		dek := app.session.ActiveDEK()
		if dek == nil {
			return opErrorMsg{err: fmt.Errorf("session expired")}
		}
		plains, err := app.records.List(context.Background(), entriesCollection, dek, userID)
		if err != nil {
			return opErrorMsg{err: err}
		}

		entries := make([]Entry, 0, len(plains))
		for _, p := range plains {
			var e Entry
			if err := json.Unmarshal(p.Data, &e); err != nil {
				return opErrorMsg{err: err}
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		})
		return entriesLoadedMsg{entries: entries}
	}
}

func (m ledgerModel) Update(msg tea.Msg) (ledgerModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case entriesLoadedMsg:
		m.entries = msg.entries
		if m.cursor >= len(m.entries) {
			m.cursor = clampMin(len(m.entries)-1, 0)
		}
		return m, nil

	case entryDeletedMsg:
		kept := m.entries[:0]
		for _, e := range m.entries {
			if e.ID != msg.id {
				kept = append(kept, e)
			}
		}
		m.entries = kept
		if m.cursor >= len(m.entries) {
			m.cursor = clampMin(len(m.entries)-1, 0)
		}
		return m, nil

	case queueEventMsg:
		m.pending = msg.event.Pending
		switch msg.event.Type {
		case writequeue.EventFlushed:
			m.status = fmt.Sprintf("saved %d", msg.event.Count)
		case writequeue.EventFlushFailed:
			m.status = "save failed, will retry"
		case writequeue.EventDiscarded:
			m.status = ""
		}
		return m, nil

	case exportDoneMsg:
		m.mode = modeBrowse
		m.status = "exported to " + msg.path
		return m, nil

	case importDoneMsg:
		m.mode = modeBrowse
		m.status = fmt.Sprintf("imported %d", msg.count)
		return m, m.loadEntries()

	case opErrorMsg:
		m.errMsg = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		m.errMsg = ""
		switch m.mode {
		case modeAdd:
			return m.updateAdding(msg)
		case modeExport, modeImport:
			return m.updateTransfer(msg)
		case modeConfirmDelete:
			return m.updateConfirmDelete(msg)
		}
		return m.updateBrowsing(msg)
	}

	return m, nil
}

func (m ledgerModel) updateBrowsing(msg tea.KeyMsg) (ledgerModel, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}
	case "a", "n":
		m.mode = modeAdd
		m.focusIdx = 0
		m.descInput.SetValue("")
		m.amountInput.SetValue("")
		m.descInput.Focus()
		m.amountInput.Blur()
		return m, textinput.Blink
	case "d", "backspace":
		if len(m.entries) == 0 {
			return m, nil
		}
		return m, m.deleteEntry(m.entries[m.cursor].ID)
	case "e":
		return m.enterTransferMode(modeExport), textinput.Blink
	case "i":
		return m.enterTransferMode(modeImport), textinput.Blink
	case "ctrl+d":
		m.mode = modeConfirmDelete
		return m, nil
	case "r":
		return m, m.loadEntries()
	case "ctrl+l":
		return m, m.logout()
	}
	return m, nil
}

func (m ledgerModel) enterTransferMode(mode ledgerMode) ledgerModel {
	m.mode = mode
	m.focusIdx = 0
	m.pathInput.SetValue("")
	m.passInput.SetValue("")
	m.pathInput.Focus()
	m.passInput.Blur()
	return m
}

func (m ledgerModel) updateTransfer(msg tea.KeyMsg) (ledgerModel, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeBrowse
		return m, nil

	case "tab", "shift+tab", "up", "down":
		m.focusIdx = (m.focusIdx + 1) % 2
		if m.focusIdx == 0 {
			m.pathInput.Focus()
			m.passInput.Blur()
		} else {
			m.passInput.Focus()
			m.pathInput.Blur()
		}
		return m, nil

	case "enter":
		path := strings.TrimSpace(m.pathInput.Value())
		if path == "" {
			path = m.pathInput.Placeholder
		}
		passphrase := m.passInput.Value()
		if passphrase == "" {
			m.errMsg = "passphrase is required"
			return m, nil
		}
		if m.mode == modeExport {
			return m, m.exportLedger(path, passphrase)
		}
		return m, m.importLedger(path, passphrase)
	}

	var cmd tea.Cmd
	if m.focusIdx == 0 {
		m.pathInput, cmd = m.pathInput.Update(msg)
	} else {
		m.passInput, cmd = m.passInput.Update(msg)
	}
	return m, cmd
}

func (m ledgerModel) updateConfirmDelete(msg tea.KeyMsg) (ledgerModel, tea.Cmd) {
	if msg.String() == "y" {
		return m, m.deleteAccount()
	}
	m.mode = modeBrowse
	return m, nil
}

func (m ledgerModel) updateAdding(msg tea.KeyMsg) (ledgerModel, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeBrowse
		return m, nil

	case "tab", "shift+tab", "up", "down":
		m.focusIdx = (m.focusIdx + 1) % 2
		if m.focusIdx == 0 {
			m.descInput.Focus()
			m.amountInput.Blur()
		} else {
			m.amountInput.Focus()
			m.descInput.Blur()
		}
		return m, nil

	case "enter":
		desc := strings.TrimSpace(m.descInput.Value())
		cents, err := parseAmount(m.amountInput.Value())
		if desc == "" {
			m.errMsg = "description is required"
			return m, nil
		}
		if err != nil {
			m.errMsg = err.Error()
			return m, nil
		}

		entry := Entry{
			ID:          uuid.NewString(),
			Description: desc,
			Cents:       cents,
			CreatedAt:   time.Now().UTC(),
		}
		if err := m.app.queue.Enqueue(entriesCollection, entry.ID, entry); err != nil {
			m.errMsg = err.Error()
			return m, nil
		}
		m.entries = append([]Entry{entry}, m.entries...)
		m.cursor = 0
		m.mode = modeBrowse
		m.pending = m.app.queue.Pending()
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusIdx == 0 {
		m.descInput, cmd = m.descInput.Update(msg)
	} else {
		m.amountInput, cmd = m.amountInput.Update(msg)
	}
	return m, cmd
}

func (m ledgerModel) deleteEntry(id string) tea.Cmd {
	app := m.app
	userID := m.user.ID
	return func() tea.Msg {
		if err := app.records.Delete(context.Background(), entriesCollection, id, userID); err != nil {
			return opErrorMsg{err: err}
		}
		return entryDeletedMsg{id: id}
	}
}

func (m ledgerModel) exportLedger(path, passphrase string) tea.Cmd {
	app := m.app
	userID := m.user.ID
	return func() tea.Msg {
		dek := app.session.ActiveDEK()
		if dek == nil {
			return opErrorMsg{err: fmt.Errorf("session expired")}
		}
		blob, err := app.records.Export(context.Background(), userID, dek, passphrase)
		if err != nil {
			return opErrorMsg{err: err}
		}
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			return opErrorMsg{err: err}
		}
		return exportDoneMsg{path: path}
	}
}

func (m ledgerModel) importLedger(path, passphrase string) tea.Cmd {
	app := m.app
	userID := m.user.ID
	return func() tea.Msg {
		dek := app.session.ActiveDEK()
		if dek == nil {
			return opErrorMsg{err: fmt.Errorf("session expired")}
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			return opErrorMsg{err: err}
		}
		count, err := app.records.Import(context.Background(), blob, passphrase, dek, userID)
		if err != nil {
			return opErrorMsg{err: err}
		}
		return importDoneMsg{count: count}
	}
}

func (m ledgerModel) deleteAccount() tea.Cmd {
	app := m.app
	userID := m.user.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.session.DeleteAccount(ctx, userID); err != nil {
			return opErrorMsg{err: err}
		}
		return loggedOutMsg{}
	}
}

func (m ledgerModel) logout() tea.Cmd {
	app := m.app
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.session.Logout(ctx); err != nil {
			return opErrorMsg{err: err}
		}
		return loggedOutMsg{}
	}
}

func (m ledgerModel) balance() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.Cents
	}
	return total
}

func (m ledgerModel) View() string {
	var b strings.Builder

	b.WriteString(appNameStyle.Render("*  tallybook"))
	b.WriteString(labelStyle.Render("  " + m.user.Username))
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	balance := m.balance()
	balanceStyle := positiveStyle
	if balance < 0 {
		balanceStyle = negativeStyle
	}
	b.WriteString(headerStyle.Render("  Balance: "))
	b.WriteString(balanceStyle.Render(formatCents(balance)))
	b.WriteString("\n\n")

	if len(m.entries) == 0 {
		b.WriteString(subtitleStyle.Render("  no entries yet, press 'a' to add one"))
		b.WriteString("\n")
	}
	for i, e := range m.entries {
		prefix := "  "
		if i == m.cursor && m.mode == modeBrowse {
			prefix = "> "
		}
		amountStyle := positiveStyle
		if e.Cents < 0 {
			amountStyle = negativeStyle
		}
		line := prefix + trimLine(e.Description, clampMin(m.width-24, 16))
		b.WriteString(labelStyle.Render(line))
		b.WriteString("  ")
		b.WriteString(amountStyle.Render(formatCents(e.Cents)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.mode {
	case modeAdd:
		b.WriteString(labelStyle.Render("  Description: ") + m.descInput.View())
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  Amount:      ") + m.amountInput.View())
		b.WriteString("\n\n")
	case modeExport:
		b.WriteString(headerStyle.Render("  Export backup"))
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  File:       ") + m.pathInput.View())
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  Passphrase: ") + m.passInput.View())
		b.WriteString("\n\n")
	case modeImport:
		b.WriteString(headerStyle.Render("  Import backup"))
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  File:       ") + m.pathInput.View())
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  Passphrase: ") + m.passInput.View())
		b.WriteString("\n\n")
	case modeConfirmDelete:
		b.WriteString(errorStyle.Render("  Delete account '" + m.user.Username + "' and all its entries?"))
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("  This cannot be undone. Press 'y' to confirm, any other key to cancel."))
		b.WriteString("\n\n")
	}

	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
		b.WriteString("\n")
	}

	statusLine := m.status
	if m.pending > 0 {
		if statusLine != "" {
			statusLine += " - "
		}
		statusLine += fmt.Sprintf("%d unsaved", m.pending)
	}
	if statusLine != "" {
		b.WriteString(subtitleStyle.Render("  " + statusLine))
		b.WriteString("\n")
	}

	help := "a: add - d: delete - e: export - i: import - r: reload - ctrl+l: logout - ctrl+d: delete account - ctrl+q: quit"
	switch m.mode {
	case modeAdd:
		help = "tab: switch field - enter: save - esc: cancel"
	case modeExport:
		help = "tab: switch field - enter: export - esc: cancel"
	case modeImport:
		help = "tab: switch field - enter: import - esc: cancel"
	case modeConfirmDelete:
		help = "y: delete account - esc: cancel"
	}
	b.WriteString(helpStyle.Render("  " + help))

	return b.String()
}

// parseAmount turns "12.50" or "-3" into cents.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is required")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount")
	}

	var cents int64
	switch len(frac) {
	case 0:
	case 1:
		c, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount")
		}
		cents = c * 10
	case 2:
		c, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount")
		}
		cents = c
	default:
		return 0, fmt.Errorf("amount has too many decimal places")
	}

	total := units*100 + cents
	if negative {
		total = -total
	}
	return total, nil
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
