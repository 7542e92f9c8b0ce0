package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/delivery"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/media"
	"github.com/hooke003/sidekick/internal/client/store"
	"github.com/hooke003/sidekick/internal/protocol"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	warnColor      = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(primaryColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewAuth viewState = iota
	viewConversations
	viewChat
	viewNewConversation
)

// --- Messages ---

type startedMsg struct {
	identity identity.Identity
	err      error
}

type updateMsg struct {
	gen    int
	ch     <-chan store.Update
	closed bool
}

type connectionMsg struct {
	gen    int
	ch     <-chan conn.Connection
	state  conn.Connection
	closed bool
}

type failureMsg delivery.Failure

type lookupMsg struct {
	identity identity.Identity
	err      error
}

type statusMsg struct {
	text string
	err  error
}

// --- Main Model ---

type model struct {
	ctx context.Context
	app *app

	// Session
	me    identity.Identity
	gen   int
	state conn.Connection
	names map[string]string // user id -> username

	// Auth
	authAction    string // "login" or "register"
	usernameInput textinput.Model
	passwordInput textinput.Model
	authFocused   int // 0=username, 1=password
	authError     string
	busy          bool

	// Conversations
	conversations []store.Summary
	selectedConv  int
	currentConvID string
	counterparty  string

	// Chat
	messages     []protocol.Message
	messageInput textinput.Model
	chatViewport viewport.Model

	// New conversation
	newConvInput textinput.Model
	newConvError string

	// UI
	status string
	view   viewState
	width  int
	height int
}

func newModel(ctx context.Context, a *app) model {
	usernameInput := textinput.New()
	usernameInput.Placeholder = "Username"
	usernameInput.Focus()
	usernameInput.CharLimit = 32
	usernameInput.Width = 30

	passwordInput := textinput.New()
	passwordInput.Placeholder = "Password"
	passwordInput.EchoMode = textinput.EchoPassword
	passwordInput.CharLimit = 72
	passwordInput.Width = 30

	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message, or /image <path>, /video <path>, /retry"
	messageInput.CharLimit = 2000
	messageInput.Width = 60

	newConvInput := textinput.New()
	newConvInput.Placeholder = "Username"
	newConvInput.CharLimit = 32
	newConvInput.Width = 30

	m := model{
		ctx:           ctx,
		app:           a,
		names:         make(map[string]string),
		authAction:    "login",
		usernameInput: usernameInput,
		passwordInput: passwordInput,
		messageInput:  messageInput,
		newConvInput:  newConvInput,
		chatViewport:  viewport.New(80, 20),
		view:          viewAuth,
	}
	if session := a.sessions.Load(); session != nil {
		m.busy = true
	}
	return m
}

// --- Commands ---

func (m model) start() tea.Cmd {
	return func() tea.Msg {
		id, err := m.app.messenger.Start(m.ctx)
		return startedMsg{identity: id, err: err}
	}
}

func (m model) authenticate(action, username, password string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		var id identity.Identity
		var err error
		if action == "register" {
			id, err = a.directory.Register(m.ctx, username, password)
		} else {
			id, err = a.directory.Login(m.ctx, username, password)
		}
		if err != nil {
			return startedMsg{err: err}
		}
		err = a.sessions.Save(identity.Session{
			ServerURL: a.cfg.ServerURL,
			UserID:    id.ID,
			Username:  id.Username,
			Password:  password,
		})
		if err != nil {
			return startedMsg{err: fmt.Errorf("save session: %w", err)}
		}
		id, err = a.messenger.SwitchIdentity(m.ctx)
		return startedMsg{identity: id, err: err}
	}
}

func waitForUpdate(gen int, ch <-chan store.Update) tea.Cmd {
	return func() tea.Msg {
		_, ok := <-ch
		return updateMsg{gen: gen, ch: ch, closed: !ok}
	}
}

func waitForConnection(gen int, ch <-chan conn.Connection) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		return connectionMsg{gen: gen, ch: ch, state: c, closed: !ok}
	}
}

func waitForFailure(ch <-chan delivery.Failure) tea.Cmd {
	return func() tea.Msg {
		return failureMsg(<-ch)
	}
}

func (m model) subscribe() tea.Cmd {
	updates, err := m.app.messenger.Subscribe(m.ctx, store.AllConversations)
	if err != nil {
		return nil
	}
	states, err := m.app.messenger.WatchConnection(m.ctx)
	if err != nil {
		return nil
	}
	return tea.Batch(waitForUpdate(m.gen, updates), waitForConnection(m.gen, states))
}

func (m model) lookup(username string) tea.Cmd {
	return func() tea.Msg {
		id, err := m.app.directory.Lookup(m.ctx, username)
		return lookupMsg{identity: id, err: err}
	}
}

// run performs a chat command off the UI loop.
func (m model) run(cmd command) tea.Cmd {
	msgr := m.app.messenger
	recipient := m.counterparty
	messages := m.messages
	self := m.me.ID
	return func() tea.Msg {
		switch cmd.name {
		case "image", "video":
			want := protocol.Kind(cmd.name)
			asset, err := media.PathPicker{Path: cmd.arg}.Pick(m.ctx)
			if errors.Is(err, media.ErrCancelled) {
				return statusMsg{text: fmt.Sprintf("usage: /%s <path or url>", cmd.name)}
			}
			if err != nil {
				return statusMsg{err: err}
			}
			if asset.Kind != want {
				return statusMsg{err: fmt.Errorf("%s is not a %s file", cmd.arg, want)}
			}
			_, err = msgr.SendMedia(m.ctx, recipient, asset)
			return statusMsg{err: err}

		case "retry":
			_, idx, ok := lo.FindLastIndexOf(messages, func(msg protocol.Message) bool {
				return msg.SenderID == self && msg.State == protocol.StateFailed
			})
			if !ok {
				return statusMsg{text: "nothing to retry"}
			}
			return statusMsg{err: msgr.Resend(m.ctx, messages[idx].ID)}

		case "reconnect":
			_, err := msgr.Reconnect(m.ctx)
			return statusMsg{err: err}

		case "logout":
			msgr.Logout(m.ctx)
			m.app.sessions.Clear()
			return startedMsg{err: errLoggedOut}
		}
		return statusMsg{err: fmt.Errorf("unknown command /%s", cmd.name)}
	}
}

var errLoggedOut = errors.New("logged out")

// --- Init ---

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, waitForFailure(m.app.messenger.Failures())}
	if m.busy {
		cmds = append(cmds, m.start())
	}
	return tea.Batch(cmds...)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if next, cmd, handled := m.handleKey(msg); handled {
			return next, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8
		m.messageInput.Width = msg.Width - 6
		m.renderChat()

	case startedMsg:
		m.busy = false
		if msg.err != nil {
			m.view = viewAuth
			m.me = identity.Identity{}
			m.gen++
			if !errors.Is(msg.err, errLoggedOut) {
				m.authError = msg.err.Error()
			}
			return m, nil
		}
		m.me = msg.identity
		m.names[m.me.ID] = m.me.Username
		m.gen++
		m.authError = ""
		m.passwordInput.SetValue("")
		m.view = viewConversations
		m.refresh()
		return m, m.subscribe()

	case updateMsg:
		if msg.gen != m.gen || msg.closed {
			// A dropped subscription of the live session resubscribes and
			// starts over from a fresh snapshot.
			if msg.gen == m.gen && m.me.ID != "" {
				updates, err := m.app.messenger.Subscribe(m.ctx, store.AllConversations)
				if err == nil {
					return m, waitForUpdate(m.gen, updates)
				}
			}
			return m, nil
		}
		m.refresh()
		return m, waitForUpdate(msg.gen, msg.ch)

	case connectionMsg:
		if msg.gen != m.gen || msg.closed {
			return m, nil
		}
		m.state = msg.state
		return m, waitForConnection(msg.gen, msg.ch)

	case failureMsg:
		if msg.ConversationID == m.currentConvID && m.view == viewChat {
			m.status = fmt.Sprintf("message %s failed: %v (type /retry)", shortID(msg.MessageID), msg.Err)
		}
		return m, waitForFailure(m.app.messenger.Failures())

	case lookupMsg:
		if msg.err != nil {
			m.newConvError = msg.err.Error()
			return m, nil
		}
		m.names[msg.identity.ID] = msg.identity.Username
		m.newConvInput.SetValue("")
		m.newConvError = ""
		m.openChat(protocol.ConversationID(m.me.ID, msg.identity.ID), msg.identity.ID)
		return m, nil

	case statusMsg:
		switch {
		case msg.err != nil:
			m.status = msg.err.Error()
		default:
			m.status = msg.text
		}
		return m, nil
	}

	// Update text inputs
	switch m.view {
	case viewAuth:
		var cmd tea.Cmd
		if m.authFocused == 0 {
			m.usernameInput, cmd = m.usernameInput.Update(msg)
		} else {
			m.passwordInput, cmd = m.passwordInput.Update(msg)
		}
		cmds = append(cmds, cmd)
	case viewChat:
		var cmd tea.Cmd
		m.messageInput, cmd = m.messageInput.Update(msg)
		cmds = append(cmds, cmd)
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		cmds = append(cmds, cmd)
	case viewNewConversation:
		var cmd tea.Cmd
		m.newConvInput, cmd = m.newConvInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit, true

	case "q":
		if m.view == viewConversations {
			return m, tea.Quit, true
		}

	case "esc":
		switch m.view {
		case viewAuth:
			return m, tea.Quit, true
		case viewChat, viewNewConversation:
			m.view = viewConversations
			m.currentConvID = ""
			m.status = ""
			m.refresh()
			return m, nil, true
		}

	case "tab":
		if m.view == viewAuth {
			if m.authFocused == 0 {
				m.authFocused = 1
				m.usernameInput.Blur()
				m.passwordInput.Focus()
			} else {
				m.authFocused = 0
				m.passwordInput.Blur()
				m.usernameInput.Focus()
			}
			return m, nil, true
		}

	case "ctrl+r":
		if m.view == viewAuth {
			if m.authAction == "login" {
				m.authAction = "register"
			} else {
				m.authAction = "login"
			}
			return m, nil, true
		}

	case "enter":
		switch m.view {
		case viewAuth:
			if m.busy || m.usernameInput.Value() == "" || m.passwordInput.Value() == "" {
				return m, nil, true
			}
			m.busy = true
			m.authError = ""
			return m, m.authenticate(m.authAction, m.usernameInput.Value(), m.passwordInput.Value()), true

		case viewConversations:
			if len(m.conversations) > 0 {
				conv := m.conversations[m.selectedConv]
				m.openChat(conv.ConversationID, conv.Counterparty)
			}
			return m, nil, true

		case viewChat:
			line := m.messageInput.Value()
			if strings.TrimSpace(line) == "" {
				return m, nil, true
			}
			m.messageInput.SetValue("")
			m.status = ""
			if cmd, ok := parseInput(line); ok {
				return m, m.run(cmd), true
			}
			msgr, recipient, text := m.app.messenger, m.counterparty, messageText(line)
			return m, func() tea.Msg {
				_, err := msgr.SendText(m.ctx, recipient, text)
				return statusMsg{err: err}
			}, true

		case viewNewConversation:
			username := strings.TrimSpace(m.newConvInput.Value())
			if username == "" {
				return m, nil, true
			}
			return m, m.lookup(username), true
		}

	case "up", "k":
		if m.view == viewConversations {
			if m.selectedConv > 0 {
				m.selectedConv--
			}
			return m, nil, true
		}

	case "down", "j":
		if m.view == viewConversations {
			if m.selectedConv < len(m.conversations)-1 {
				m.selectedConv++
			}
			return m, nil, true
		}

	case "n":
		if m.view == viewConversations {
			m.view = viewNewConversation
			m.newConvError = ""
			m.newConvInput.Focus()
			return m, nil, true
		}

	case "r":
		if m.view == viewConversations && m.state.Exhausted() {
			return m, m.run(command{name: "reconnect"}), true
		}

	case "L":
		if m.view == viewConversations {
			return m, m.run(command{name: "logout"}), true
		}
	}
	return m, nil, false
}

func (m *model) openChat(convID, counterparty string) {
	m.currentConvID = convID
	m.counterparty = counterparty
	m.view = viewChat
	m.status = ""
	m.messageInput.Focus()
	m.app.messenger.MarkRead(convID)
	m.refresh()
}

// refresh reloads the conversation list and the open conversation.
func (m *model) refresh() {
	conversations, err := m.app.messenger.Conversations()
	if err != nil {
		m.conversations = nil
		return
	}
	m.conversations = conversations
	if m.selectedConv >= len(conversations) {
		m.selectedConv = max(0, len(conversations)-1)
	}
	if m.currentConvID != "" {
		m.messages, _ = m.app.messenger.Conversation(m.currentConvID)
		if m.view == viewChat {
			m.app.messenger.MarkRead(m.currentConvID)
		}
		m.renderChat()
	}
}

func (m model) name(userID string) string {
	if n, ok := m.names[userID]; ok {
		return n
	}
	return shortID(userID)
}

func (m *model) renderChat() {
	now := time.Now()
	var content strings.Builder
	for _, msg := range m.messages {
		style := otherMessageStyle
		if msg.SenderID == m.me.ID {
			style = ownMessageStyle
		}
		line := fmt.Sprintf("%s %s: %s",
			mutedStyle.Render(stamp(msg.CreatedAt, now)),
			style.Render(m.name(msg.SenderID)),
			body(msg),
		)
		if msg.SenderID == m.me.ID {
			glyph := statusGlyph(msg)
			if msg.State == protocol.StateFailed {
				line += " " + errorStyle.Render(glyph)
			} else {
				line += " " + mutedStyle.Render(glyph)
			}
		}
		content.WriteString(line + "\n")
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m model) View() string {
	switch m.view {
	case viewAuth:
		return m.authView()
	case viewConversations:
		return m.conversationsView()
	case viewChat:
		return m.chatView()
	case viewNewConversation:
		return m.newConversationView()
	}
	return ""
}

func (m model) connectionLine() string {
	switch {
	case m.state.State == conn.Connected:
		return selectedStyle.Render("● online")
	case m.state.Exhausted():
		return errorStyle.Render("● offline") + mutedStyle.Render("  press r to reconnect")
	case m.state.State == conn.Connecting:
		return warnStyle.Render("● connecting")
	case m.state.Attempt > 0:
		return warnStyle.Render(fmt.Sprintf("● reconnecting (attempt %d)", m.state.Attempt))
	}
	return warnStyle.Render("● offline")
}

func (m model) authView() string {
	var s strings.Builder

	title := titleStyle.Render("╔═══════════════════════════════╗\n║           SIDEKICK            ║\n╚═══════════════════════════════╝")

	s.WriteString("\n\n")
	s.WriteString(title)
	s.WriteString("\n\n")

	if m.authAction == "login" {
		s.WriteString(selectedStyle.Render("  → Login"))
		s.WriteString(mutedStyle.Render("   Register\n"))
	} else {
		s.WriteString(mutedStyle.Render("  Login   "))
		s.WriteString(selectedStyle.Render("→ Register\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	s.WriteString("  Username:\n")
	s.WriteString("  " + m.usernameInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}
	if m.busy {
		s.WriteString(mutedStyle.Render("  Signing in...\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • Esc to quit\n"))
	s.WriteString(mutedStyle.Render("\n  " + m.app.cfg.ServerURL))

	return s.String()
}

func (m model) conversationsView() string {
	var s strings.Builder
	now := time.Now()

	s.WriteString(titleStyle.Render(fmt.Sprintf("SIDEKICK - %s", m.me.Username)))
	s.WriteString("  " + m.connectionLine())
	s.WriteString("\n\n")

	if len(m.conversations) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
		s.WriteString(mutedStyle.Render("  Press 'n' to start a new one.\n"))
	} else {
		for i, conv := range m.conversations {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedConv {
				prefix = "→ "
				style = selectedStyle
			}
			line := fmt.Sprintf("%s💬 %s", prefix, m.name(conv.Counterparty))
			s.WriteString(style.Render(line))
			if conv.Unread > 0 {
				s.WriteString(" " + unreadStyle.Render(fmt.Sprint(conv.Unread)))
			}
			if conv.Unresolved > 0 {
				s.WriteString(" " + warnStyle.Render(fmt.Sprintf("%d sending", conv.Unresolved)))
			}
			s.WriteString("\n")
			s.WriteString(mutedStyle.Render(fmt.Sprintf("     %s  %s", stamp(conv.Last.CreatedAt, now), preview(conv.Last, 50))))
			s.WriteString("\n")
		}
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • n for new • L to log out • q to quit"))

	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder
	width := max(m.width-2, 10)

	header := titleStyle.Render(fmt.Sprintf("💬 %s", m.name(m.counterparty)))
	s.WriteString(header + "  " + m.connectionLine())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")

	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	if m.status != "" {
		s.WriteString(warnStyle.Render(m.status) + "\n")
	}
	s.WriteString(helpStyle.Render("Enter to send • /image, /video <path> • /retry • Esc to go back"))

	return s.String()
}

func (m model) newConversationView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("New Conversation"))
	s.WriteString("\n\n")

	s.WriteString("  Send to:\n")
	s.WriteString("  " + m.newConvInput.View() + "\n\n")

	if m.newConvError != "" {
		s.WriteString(errorStyle.Render("  " + m.newConvError + "\n\n"))
	}

	s.WriteString(helpStyle.Render("  Enter to open the conversation • Esc to cancel"))

	return s.String()
}
