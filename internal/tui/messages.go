package tui

import (
	"splitroute/internal/reroute"
	"splitroute/internal/storage/models"
)

// Polling messages.

type statsTickMsg struct{}

type statsMsg struct {
	stats reroute.Stats
}

// Journal messages.

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}
