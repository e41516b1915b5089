package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/embed"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/threadsync"
)

// mailbox keeps only the newest projection. Every Update is a full view, so
// dropping older ones loses nothing.
type mailbox struct {
	mu sync.Mutex
	ch chan threadsync.Update
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan threadsync.Update, 1)}
}

func (b *mailbox) put(u threadsync.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case prev := <-b.ch:
		if prev.Version > u.Version {
			u = prev
		}
	default:
	}
	b.ch <- u
}

type updateMsg threadsync.Update

type boundMsg struct {
	threadID string
	err      error
}

type sendDoneMsg struct{ err error }

func waitForUpdate(ch <-chan threadsync.Update) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return nil
		}
		return updateMsg(u)
	}
}

type theme struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	muted     lipgloss.Style
	errorLine lipgloss.Style
	panel     lipgloss.Style
}

func newTheme(appearance domain.Appearance) theme {
	accent := lipgloss.Color("#7aa2f7")
	if appearance.Color != "" {
		accent = lipgloss.Color(appearance.Color)
	}
	return theme{
		header:    lipgloss.NewStyle().Bold(true).Foreground(accent),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ece6a")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(accent),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
		errorLine: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f7768e")),
		panel:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
	}
}

type model struct {
	ctx    context.Context
	deps   *dependencies
	sync   *threadsync.Synchronizer
	userID string
	bot    domain.Chatbot
	log    *slog.Logger
	inbox  *mailbox

	threadID string
	version  uint64
	messages []domain.Message
	runID    string
	status   domain.RunStatus
	lastErr  string
	open     bool
	signal   string

	input    textinput.Model
	timeline viewport.Model
	theme    theme
	width    int
	height   int
}

func newModel(ctx context.Context, deps *dependencies, userID, chatbotID string, log *slog.Logger) (model, error) {
	bot, err := deps.bots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return model{}, fmt.Errorf("widget: load chatbot %s: %w", chatbotID, err)
	}
	inbox := newMailbox()
	syn, err := threadsync.New(deps.bridge.View(), deps.store, deps.runs, userID, bot,
		threadsync.WithLogger(log),
		threadsync.WithListener(inbox.put),
	)
	if err != nil {
		return model{}, err
	}
	m := baseModel(bot, log)
	m.ctx = ctx
	m.deps = deps
	m.sync = syn
	m.userID = userID
	m.inbox = inbox
	return m, nil
}

func baseModel(bot domain.Chatbot, log *slog.Logger) model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Placeholder = "Message " + bot.Name
	input.Focus()

	return model{
		ctx:      context.Background(),
		bot:      bot,
		log:      log,
		status:   domain.RunIdle,
		open:     true,
		signal:   embed.Resize(true).JSON(),
		input:    input,
		timeline: viewport.New(0, 0),
		theme:    newTheme(bot.Appearance),
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.resolveCmd()}
	if m.inbox != nil {
		cmds = append(cmds, waitForUpdate(m.inbox.ch))
	}
	return tea.Batch(cmds...)
}

func (m model) resolveCmd() tea.Cmd {
	if m.sync == nil {
		return nil
	}
	return func() tea.Msg {
		thread, err := m.deps.binder.Resolve(m.ctx, m.userID, m.bot.ID)
		if err != nil {
			return boundMsg{err: err}
		}
		return boundMsg{threadID: thread.ID, err: m.sync.BindThread(m.ctx, thread.ID)}
	}
}

// cycleCmd selects the thread after the current one in the caller's list.
func (m model) cycleCmd() tea.Cmd {
	return func() tea.Msg {
		threads, err := m.deps.binder.List(m.ctx, m.userID, m.bot.ID)
		if err != nil {
			return boundMsg{err: err}
		}
		if len(threads) == 0 {
			return boundMsg{err: errors.New("no threads")}
		}
		next := threads[0].ID
		for i, t := range threads {
			if t.ID == m.threadID {
				next = threads[(i+1)%len(threads)].ID
				break
			}
		}
		thread, err := m.deps.binder.Select(m.ctx, m.userID, m.bot.ID, next)
		if err != nil {
			return boundMsg{err: err}
		}
		return boundMsg{threadID: thread.ID, err: m.sync.BindThread(m.ctx, thread.ID)}
	}
}

func (m model) newThreadCmd() tea.Cmd {
	return func() tea.Msg {
		thread, err := m.deps.binder.Create(m.ctx, m.userID, m.bot.ID)
		if err != nil {
			return boundMsg{err: err}
		}
		return boundMsg{threadID: thread.ID, err: m.sync.BindThread(m.ctx, thread.ID)}
	}
}

func (m model) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		return sendDoneMsg{err: m.sync.Send(m.ctx, content)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.render()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.sync != nil {
				m.sync.Teardown()
			}
			return m, tea.Quit
		case "ctrl+o":
			m.open = !m.open
			m.signal = embed.Resize(m.open).JSON()
			if m.open {
				m.input.Focus()
			} else {
				m.input.Blur()
			}
			m.log.Info("resize signal", "payload", m.signal)
			return m, nil
		case "ctrl+t":
			if m.sync != nil && m.open {
				cmds = append(cmds, m.cycleCmd())
			}
			return m, tea.Batch(cmds...)
		case "ctrl+n":
			if m.sync != nil && m.open {
				cmds = append(cmds, m.newThreadCmd())
			}
			return m, tea.Batch(cmds...)
		case "enter":
			content := strings.TrimSpace(m.input.Value())
			if content == "" || !m.open || m.sync == nil {
				return m, nil
			}
			m.input.Reset()
			m.lastErr = ""
			return m, m.sendCmd(content)
		}
	case updateMsg:
		m.applyUpdate(threadsync.Update(msg))
		if m.inbox != nil {
			cmds = append(cmds, waitForUpdate(m.inbox.ch))
		}
	case boundMsg:
		if msg.err != nil {
			m.lastErr = errorText(msg.err)
			break
		}
		m.threadID = msg.threadID
		m.lastErr = ""
	case sendDoneMsg:
		if msg.err != nil {
			m.lastErr = errorText(msg.err)
		}
	}

	if m.open {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// applyUpdate renders u unless a newer projection is already on screen.
func (m *model) applyUpdate(u threadsync.Update) {
	if u.Version <= m.version {
		return
	}
	m.version = u.Version
	m.threadID = u.ThreadID
	m.messages = u.Messages
	m.runID = u.RunID
	m.status = u.RunStatus
	if u.Err != nil {
		m.lastErr = errorText(u.Err)
	}
	m.render()
}

func (m *model) layout() {
	w := m.width - 4
	if w < 10 {
		w = 10
	}
	h := m.height - 8
	if h < 3 {
		h = 3
	}
	m.timeline.Width = w
	m.timeline.Height = h
	m.input.Width = w - 2
}

func (m *model) render() {
	m.timeline.SetContent(renderMessages(m.messages, m.theme, m.bot.Name))
	m.timeline.GotoBottom()
}

func renderMessages(msgs []domain.Message, th theme, botName string) string {
	if len(msgs) == 0 {
		return th.muted.Render("No messages yet.")
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch msg.Role {
		case domain.RoleUser:
			b.WriteString(th.user.Render("You"))
		case domain.RoleAssistant:
			label := botName
			if threadsync.IsProvisional(msg) {
				label += " ..."
			}
			b.WriteString(th.assistant.Render(label))
		default:
			b.WriteString(th.muted.Render(string(msg.Role)))
		}
		b.WriteString("\n")
		b.WriteString(msg.Content)
	}
	return b.String()
}

func (m model) View() string {
	if !m.open {
		return m.theme.panel.Render(m.theme.header.Render(" ● ")) + "\n" +
			m.theme.muted.Render("ctrl+o open · esc quit") + "\n" +
			m.theme.muted.Render(m.signal)
	}

	header := m.theme.header.Render(m.bot.Name)
	if m.threadID != "" {
		header += m.theme.muted.Render("  thread " + m.threadID)
	}
	if m.status != "" && m.status != domain.RunIdle {
		header += m.theme.muted.Render("  run " + string(m.status))
	}

	footer := m.theme.muted.Render("enter send · ctrl+t next thread · ctrl+n new thread · ctrl+o close · esc quit")
	if m.lastErr != "" {
		footer = m.theme.errorLine.Render(m.lastErr)
	}

	return strings.Join([]string{
		header,
		m.theme.panel.Render(m.timeline.View()),
		m.input.View(),
		footer,
	}, "\n")
}

func errorText(err error) string {
	var coded *domain.Error
	if errors.As(err, &coded) {
		return fmt.Sprintf("%s: %s", coded.Code, coded.Reason)
	}
	return err.Error()
}
