// Package netif enumerates network interfaces as point-in-time snapshots.
//
// Nothing here is cached: every call goes back to the kernel, and callers
// pass the resulting snapshot around explicitly.
package netif

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	apperrors "splitroute/pkg/errors"
)

// Interface is a read-only snapshot of one link taken at discovery time.
type Interface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr // nil for TUN and other point-to-point links
	Flags        net.Flags
	Prefixes     []netip.Prefix // configured IPv4 addresses with their prefix length
}

func (i Interface) IsUp() bool         { return i.Flags&net.FlagUp != 0 }
func (i Interface) IsLoopback() bool   { return i.Flags&net.FlagLoopback != 0 }
func (i Interface) IsPointToPoint() bool {
	return i.Flags&net.FlagPointToPoint != 0 || len(i.HardwareAddr) == 0
}

// HasIPv4 reports whether at least one IPv4 address is configured.
func (i Interface) HasIPv4() bool {
	for _, p := range i.Prefixes {
		if p.Addr().Is4() {
			return true
		}
	}
	return false
}

// OnLink reports whether addr falls inside one of the link's own subnets,
// i.e. whether it can be reached without a gateway.
func (i Interface) OnLink(addr netip.Addr) bool {
	for _, p := range i.Prefixes {
		if p.Masked().Contains(addr) {
			return true
		}
	}
	return false
}

// FirstIPv4 returns the first configured IPv4 address, if any.
func (i Interface) FirstIPv4() (netip.Addr, bool) {
	for _, p := range i.Prefixes {
		if p.Addr().Is4() {
			return p.Addr(), true
		}
	}
	return netip.Addr{}, false
}

// NetInterface converts the snapshot into the *net.Interface that socket
// libraries expect.
func (i Interface) NetInterface() *net.Interface {
	return &net.Interface{
		Index:        i.Index,
		MTU:          1500,
		Name:         i.Name,
		HardwareAddr: i.HardwareAddr,
		Flags:        i.Flags,
	}
}

func (i Interface) String() string {
	mac := "-"
	if len(i.HardwareAddr) > 0 {
		mac = i.HardwareAddr.String()
	}
	addrs := make([]string, 0, len(i.Prefixes))
	for _, p := range i.Prefixes {
		addrs = append(addrs, p.String())
	}
	return fmt.Sprintf("%s (index=%d mac=%s addrs=[%s])", i.Name, i.Index, mac, strings.Join(addrs, " "))
}

// Lister enumerates the live interface set.
type Lister interface {
	Interfaces() ([]Interface, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func() ([]Interface, error)

func (f ListerFunc) Interfaces() ([]Interface, error) { return f() }

// Snapshot enumerates l once and returns the interfaces ordered by index.
func Snapshot(l Lister) ([]Interface, error) {
	snapshot, err := l.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Index < snapshot[j].Index })
	return snapshot, nil
}

// ByName finds an interface by name in a snapshot.
func ByName(snapshot []Interface, name string) (Interface, error) {
	for _, i := range snapshot {
		if i.Name == name {
			return i, nil
		}
	}
	return Interface{}, fmt.Errorf("%w: %s", apperrors.ErrInterfaceNotFound, name)
}

// ByIndex finds an interface by index in a snapshot.
func ByIndex(snapshot []Interface, index int) (Interface, error) {
	for _, i := range snapshot {
		if i.Index == index {
			return i, nil
		}
	}
	return Interface{}, fmt.Errorf("%w: index %d", apperrors.ErrInterfaceNotFound, index)
}

// DefaultInterface picks the first interface that is up, not loopback and has
// an IPv4 address. It is only a fallback for hosts without a default route.
func DefaultInterface(snapshot []Interface) (Interface, bool) {
	for _, i := range snapshot {
		if i.IsUp() && !i.IsLoopback() && i.HasIPv4() {
			return i, true
		}
	}
	return Interface{}, false
}

// NewNames returns the interfaces in after whose names were not in before.
// An empty prefix matches every name.
func NewNames(before, after []Interface, prefix string) []Interface {
	seen := make(map[string]struct{}, len(before))
	for _, i := range before {
		seen[i.Name] = struct{}{}
	}
	var added []Interface
	for _, i := range after {
		if _, ok := seen[i.Name]; ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(i.Name, prefix) {
			continue
		}
		added = append(added, i)
	}
	return added
}

const maxNameProbes = 4096

// GenerateFreeName returns base0, base1, ... the first name no live interface
// currently uses. The interface set is re-enumerated on every probe because
// other tooling can create interfaces concurrently.
//
// The result is advisory: nothing reserves the name, so another process may
// claim it between this check and the caller creating the interface. There
// is no atomic create-if-free primitive at this layer; callers that lose the
// race see the device creation fail and should surface that error.
func GenerateFreeName(l Lister, base string) (string, error) {
	for n := 0; n < maxNameProbes; n++ {
		candidate := fmt.Sprintf("%s%d", base, n)
		snapshot, err := l.Interfaces()
		if err != nil {
			return "", fmt.Errorf("failed to list interfaces: %w", err)
		}
		if _, err := ByName(snapshot, candidate); err != nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free interface name with base %q", base)
}
