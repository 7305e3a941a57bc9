package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"splitroute/internal/storage/models"
)

// sessionItem implements list.Item for one journal entry.
type sessionItem struct {
	session *models.Session
}

func (i sessionItem) Title() string {
	s := i.session
	return fmt.Sprintf("#%d %s  %s", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.VPNPrefix)
}

func (i sessionItem) FilterValue() string { return i.session.TunnelIf + " " + i.session.Server }

func (i sessionItem) Description() string {
	s := i.session
	parts := []string{s.TunnelIf}
	if s.Server != "" {
		parts = append(parts, s.Server)
	}
	if s.EndedAt != nil {
		parts = append(parts, formatDuration(s.EndedAt.Sub(s.StartedAt)))
	}
	return strings.Join(parts, " | ")
}

type sessionItemDelegate struct{}

func (d sessionItemDelegate) Height() int                             { return 2 }
func (d sessionItemDelegate) Spacing() int                            { return 0 }
func (d sessionItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d sessionItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	si, ok := item.(sessionItem)
	if !ok {
		return
	}

	state := sessionStateStyle(si.session.State).Render("[" + si.session.State + "]")
	title := si.Title()
	desc := lipgloss.NewStyle().Foreground(colorDimFg).PaddingLeft(2).Render(si.Description())

	if index == m.Index() {
		title = lipgloss.NewStyle().Bold(true).Foreground(colorPurple).Render("> " + title)
	} else {
		title = lipgloss.NewStyle().Foreground(colorFg).Render("  " + title)
	}

	fmt.Fprintf(w, "%s %s\n%s", title, state, desc)
}

// sessionsModel lists recent journal sessions.
type sessionsModel struct {
	list   list.Model
	width  int
	height int
	err    error
}

func newSessionsModel() sessionsModel {
	l := list.New(nil, sessionItemDelegate{}, 0, 0)
	l.Title = "Recent sessions"
	l.SetShowHelp(false)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle

	return sessionsModel{list: l}
}

func (sm *sessionsModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
	sm.list.SetSize(w, h)
}

func (sm *sessionsModel) setSessions(msg sessionsLoadedMsg) {
	sm.err = msg.err
	if msg.err != nil {
		return
	}
	items := make([]list.Item, len(msg.sessions))
	for i, s := range msg.sessions {
		items[i] = sessionItem{session: s}
	}
	sm.list.SetItems(items)
}

func (sm *sessionsModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	sm.list, cmd = sm.list.Update(msg)
	return cmd
}

func (sm *sessionsModel) View() string {
	if sm.err != nil {
		return forceHeight(warningStyle.Render("Journal unavailable: "+sm.err.Error()), sm.width, sm.height)
	}
	return forceHeight(sm.list.View(), sm.width, sm.height)
}
