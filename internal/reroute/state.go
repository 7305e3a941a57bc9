package reroute

import (
	"net/netip"
)

// State is the lifecycle phase of a Server.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Target is the link a packet is sent out of.
type Target int

const (
	TargetPhysical Target = iota
	TargetTunnel
)

func (t Target) String() string {
	if t == TargetTunnel {
		return "tunnel"
	}
	return "physical"
}

// Classify sends dst to the tunnel when (dst & mask) == network for the VPN
// prefix, and to the physical link otherwise.
func Classify(vpn netip.Prefix, dst netip.Addr) Target {
	if vpn.Masked().Contains(dst) {
		return TargetTunnel
	}
	return TargetPhysical
}
