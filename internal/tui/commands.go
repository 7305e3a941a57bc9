package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"splitroute/internal/reroute"
	"splitroute/internal/storage"
)

const (
	statsInterval   = 500 * time.Millisecond
	sessionsShown   = 20
	sessionsTimeout = 2 * time.Second
)

// statsTick fires after statsInterval.
func statsTick() tea.Cmd {
	return tea.Tick(statsInterval, func(time.Time) tea.Msg {
		return statsTickMsg{}
	})
}

func pollStats(source func() reroute.Stats) tea.Cmd {
	return func() tea.Msg {
		return statsMsg{stats: source()}
	}
}

func loadSessions(store storage.Storage) tea.Cmd {
	return func() tea.Msg {
		if store == nil {
			return sessionsLoadedMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sessionsTimeout)
		defer cancel()
		sessions, err := store.RecentSessions(ctx, sessionsShown)
		return sessionsLoadedMsg{sessions: sessions, err: err}
	}
}
