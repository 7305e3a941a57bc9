package reroute

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	apperrors "splitroute/pkg/errors"
)

// Stats is a point-in-time copy of a server's counters.
type Stats struct {
	State     State
	StartedAt time.Time

	Capture   string
	Physical  string
	Tunnel    string
	VPNPrefix netip.Prefix

	Received  uint64
	Forwarded map[Target]uint64
	Dropped   map[apperrors.PacketReason]uint64
}

// TotalDropped sums drops across reasons.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

type counters struct {
	received atomic.Uint64
	physical atomic.Uint64
	tunnel   atomic.Uint64

	mu      sync.Mutex
	dropped map[apperrors.PacketReason]uint64
}

func newCounters() *counters {
	return &counters{dropped: make(map[apperrors.PacketReason]uint64)}
}

func (c *counters) forwarded(t Target) {
	if t == TargetTunnel {
		c.tunnel.Add(1)
		return
	}
	c.physical.Add(1)
}

func (c *counters) drop(reason apperrors.PacketReason) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
}

func (c *counters) fill(s *Stats) {
	s.Received = c.received.Load()
	s.Forwarded = map[Target]uint64{
		TargetPhysical: c.physical.Load(),
		TargetTunnel:   c.tunnel.Load(),
	}
	c.mu.Lock()
	s.Dropped = make(map[apperrors.PacketReason]uint64, len(c.dropped))
	for k, v := range c.dropped {
		s.Dropped[k] = v
	}
	c.mu.Unlock()
}
