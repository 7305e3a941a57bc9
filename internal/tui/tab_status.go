package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"splitroute/internal/reroute"
	apperrors "splitroute/pkg/errors"
)

type statusModel struct {
	width  int
	height int

	stats  reroute.Stats
	loaded bool
	now    func() time.Time
}

func newStatusModel() statusModel {
	return statusModel{now: time.Now}
}

func (sm *statusModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
}

func (sm *statusModel) updateStats(s reroute.Stats) {
	sm.stats = s
	sm.loaded = true
}

func (sm *statusModel) View() string {
	if !sm.loaded {
		return forceHeight(dimStyle.Render("Waiting for the first sample..."), sm.width, sm.height)
	}

	s := sm.stats
	uptime := "-"
	if !s.StartedAt.IsZero() {
		uptime = formatDuration(sm.now().Sub(s.StartedAt))
	}

	sessionRows := []string{
		sm.row("State", stateText(s.State)),
		sm.row("VPN network", s.VPNPrefix.String()),
		sm.row("Capture", s.Capture),
		sm.row("Physical", s.Physical),
		sm.row("Tunnel", s.Tunnel),
		sm.row("Uptime", uptime),
	}
	sessionCard := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{cardTitleStyle.Render("Session")}, sessionRows...)...,
	)

	trafficRows := []string{
		sm.row("Received", formatCount(s.Received)),
		sm.row("To tunnel", formatCount(s.Forwarded[reroute.TargetTunnel])),
		sm.row("To physical", formatCount(s.Forwarded[reroute.TargetPhysical])),
		sm.row("Dropped", dropStyle(s.TotalDropped()).Render(formatCount(s.TotalDropped()))),
	}
	for _, reason := range sortedReasons(s.Dropped) {
		trafficRows = append(trafficRows, sm.row("  "+string(reason), formatCount(s.Dropped[reason])))
	}
	trafficCard := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{cardTitleStyle.Render("Packets")}, trafficRows...)...,
	)

	// Layout: side by side if wide enough.
	w := sm.width - 6
	if w < 30 {
		w = 30
	}
	var out string
	if sm.width > 80 {
		halfW := (w - 4) / 2
		left := cardStyle.Width(halfW).Render(sessionCard)
		right := cardStyle.Width(halfW).Render(trafficCard)
		out = lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right)
	} else {
		out = lipgloss.JoinVertical(lipgloss.Left,
			cardStyle.Width(w).Render(sessionCard),
			cardStyle.Width(w).Render(trafficCard),
		)
	}
	return forceHeight(out, sm.width, sm.height)
}

func (sm *statusModel) row(label, value string) string {
	return cardLabelStyle.Render(label+":") + " " + cardValueStyle.Render(value)
}

func stateText(s reroute.State) string {
	if s == reroute.StateRunning {
		return successStyle.Render(s.String())
	}
	return warningStyle.Render(s.String())
}

func sortedReasons(m map[apperrors.PacketReason]uint64) []apperrors.PacketReason {
	reasons := make([]apperrors.PacketReason, 0, len(m))
	for r, n := range m {
		if n > 0 {
			reasons = append(reasons, r)
		}
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatCount(n uint64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fG", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 10_000:
		return fmt.Sprintf("%.1fk", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
