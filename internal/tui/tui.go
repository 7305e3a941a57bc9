// Package tui is the live monitor shown by `splitroute run --tui`.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"splitroute/internal/reroute"
	"splitroute/internal/storage"
)

// Tab indices.
const (
	tabStatus   = 0
	tabSessions = 1
	tabCount    = 2
)

// Deps holds everything the monitor reads from.
type Deps struct {
	Stats   func() reroute.Stats
	Storage storage.Storage // optional; the sessions tab stays empty without it
}

// Model is the root BubbleTea model.
type Model struct {
	stats func() reroute.Stats
	store storage.Storage

	width  int
	height int

	activeTab int
	showHelp  bool
	quitting  bool

	statusTab   statusModel
	sessionsTab sessionsModel
}

// NewModel creates a new root Model.
func NewModel(deps Deps) *Model {
	return &Model{
		stats:       deps.Stats,
		store:       deps.Storage,
		activeTab:   tabStatus,
		statusTab:   newStatusModel(),
		sessionsTab: newSessionsModel(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		pollStats(m.stats),
		loadSessions(m.store),
		statsTick(),
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		ch := m.contentHeight()
		m.statusTab.setSize(msg.Width, ch)
		m.sessionsTab.setSize(msg.Width, ch)
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKey(msg); handled {
			return m, cmd
		}

	case statsTickMsg:
		cmds = append(cmds, pollStats(m.stats), statsTick())

	case statsMsg:
		m.statusTab.updateStats(msg.stats)
		if msg.stats.State == reroute.StateStopped {
			m.quitting = true
			return m, tea.Quit
		}

	case sessionsLoadedMsg:
		m.sessionsTab.setSessions(msg)
	}

	if m.activeTab == tabSessions {
		cmds = append(cmds, m.sessionsTab.Update(msg))
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "Loading..."
	}

	s := m.statusTab.stats
	header := renderHeader(m.activeTab, s.State, s.Tunnel, m.width)

	var content string
	switch m.activeTab {
	case tabStatus:
		content = m.statusTab.View()
	case tabSessions:
		content = m.sessionsTab.View()
	}

	footer := renderFooter(renderHelpBar(m.showHelp), m.width)
	output := lipgloss.JoinVertical(lipgloss.Left, header, content, footer)

	// Force exactly m.height lines to prevent BubbleTea rendering drift.
	return forceHeight(output, m.width, m.height)
}

// forceHeight ensures the string has exactly `height` lines, each padded to `width`.
func forceHeight(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	blank := strings.Repeat(" ", width)
	for len(lines) < height {
		lines = append(lines, blank)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) contentHeight() int {
	overhead := 5
	if m.showHelp {
		overhead += 3
	}
	h := m.height - overhead
	if h < 1 {
		h = 1
	}
	return h
}

func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.quitting = true
		return tea.Quit, true

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		ch := m.contentHeight()
		m.statusTab.setSize(m.width, ch)
		m.sessionsTab.setSize(m.width, ch)
		return nil, true

	case key.Matches(msg, keys.TabNext):
		m.activeTab = (m.activeTab + 1) % tabCount
		return nil, true

	case key.Matches(msg, keys.TabPrev):
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		return nil, true

	case key.Matches(msg, keys.Refresh):
		return tea.Batch(pollStats(m.stats), loadSessions(m.store)), true
	}
	return nil, false
}

// NewProgram creates a bubbletea program with alt screen bound to ctx.
func NewProgram(ctx context.Context, deps Deps) *tea.Program {
	return tea.NewProgram(NewModel(deps), tea.WithAltScreen(), tea.WithContext(ctx))
}

// Run shows the monitor until the user quits, the session stops, or ctx is
// cancelled. Cancellation is not an error.
func Run(ctx context.Context, deps Deps) error {
	_, err := NewProgram(ctx, deps).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
