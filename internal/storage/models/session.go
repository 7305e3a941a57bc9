package models

import "time"

// Session states.
const (
	SessionActive    = "active"
	SessionClean     = "clean"     // stopped and restored by the owning process
	SessionRecovered = "recovered" // restored by a later process after a crash
	SessionFailed    = "failed"    // startup never reached the running state
)

// Route kinds.
const (
	RouteOriginal  = "original"
	RouteInstalled = "installed"
)

// Session is one reroute run as recorded in the journal.
type Session struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CaptureIf  string     `json:"capture_if"`
	TunnelIf   string     `json:"tunnel_if"`
	PhysicalIf string     `json:"physical_if"`
	VPNPrefix  string     `json:"vpn_prefix"`
	Server     string     `json:"server,omitempty"`
	PID        int        `json:"pid"`
	State      string     `json:"state"`
}

// Open reports whether the session has not been ended.
func (s *Session) Open() bool { return s.EndedAt == nil }

// SessionRoute is a journaled route: either the original default route or one
// the session installed.
type SessionRoute struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Dst       string    `json:"dst"`
	Gateway   string    `json:"gateway,omitempty"`
	LinkIndex int       `json:"link_index"`
	Metric    int       `json:"metric"`
	Removed   bool      `json:"removed"`
	CreatedAt time.Time `json:"created_at"`
}
