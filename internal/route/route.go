package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// DefaultPrefix is the IPv4 default destination.
var DefaultPrefix = netip.PrefixFrom(netip.IPv4Unspecified(), 0)

// Route is a kernel IPv4 routing entry.
type Route struct {
	Dst       netip.Prefix
	Gateway   netip.Addr // invalid when the route is a direct device route
	LinkIndex int
	Metric    int // 0 means unset
}

// Equivalent reports whether two routes are the same entry for idempotency
// purposes: same destination prefix on the same link.
func (r Route) Equivalent(o Route) bool {
	return r.Dst.Masked() == o.Dst.Masked() && r.LinkIndex == o.LinkIndex
}

// IsDefault reports whether r is a 0.0.0.0/0 route.
func (r Route) IsDefault() bool {
	return r.Dst.Bits() == 0
}

func (r Route) String() string {
	s := r.Dst.String()
	if r.IsDefault() {
		s = "default"
	}
	if r.Gateway.IsValid() {
		s += " via " + r.Gateway.String()
	}
	s += fmt.Sprintf(" dev #%d", r.LinkIndex)
	if r.Metric != 0 {
		s += fmt.Sprintf(" metric %d", r.Metric)
	}
	return s
}

// HostRoute returns a /32 route for addr.
func HostRoute(addr netip.Addr, gateway netip.Addr, linkIndex int) Route {
	return Route{Dst: netip.PrefixFrom(addr, 32), Gateway: gateway, LinkIndex: linkIndex}
}

func (r Route) toNetlink() *netlink.Route {
	dst := r.Dst.Masked()
	nl := &netlink.Route{
		LinkIndex: r.LinkIndex,
		Dst: &net.IPNet{
			IP:   net.IP(dst.Addr().AsSlice()),
			Mask: net.CIDRMask(dst.Bits(), 32),
		},
		Priority: r.Metric,
		Scope:    netlink.SCOPE_UNIVERSE,
	}
	if r.Gateway.IsValid() {
		nl.Gw = net.IP(r.Gateway.AsSlice())
	} else {
		nl.Scope = netlink.SCOPE_LINK
	}
	return nl
}

func fromNetlink(nl netlink.Route) (Route, bool) {
	r := Route{
		LinkIndex: nl.LinkIndex,
		Metric:    nl.Priority,
		Dst:       DefaultPrefix,
	}
	if nl.Dst != nil {
		ip, ok := netip.AddrFromSlice(nl.Dst.IP.To4())
		if !ok {
			return Route{}, false
		}
		ones, _ := nl.Dst.Mask.Size()
		r.Dst = netip.PrefixFrom(ip, ones)
	}
	if nl.Gw != nil {
		gw, ok := netip.AddrFromSlice(nl.Gw.To4())
		if !ok {
			return Route{}, false
		}
		r.Gateway = gw
	}
	return r, true
}
