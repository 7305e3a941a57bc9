package netif

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// System lists interfaces from the kernel over netlink.
type System struct{}

// Interfaces takes a fresh snapshot of every link and its IPv4 addresses.
func (System) Interfaces() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	snapshot := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		iface := Interface{
			Name:         attrs.Name,
			Index:        attrs.Index,
			HardwareAddr: attrs.HardwareAddr,
			Flags:        attrs.Flags,
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			// Links can vanish between LinkList and AddrList.
			continue
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4())
			if !ok {
				continue
			}
			ones, _ := a.IPNet.Mask.Size()
			iface.Prefixes = append(iface.Prefixes, netip.PrefixFrom(ip, ones))
		}
		snapshot = append(snapshot, iface)
	}
	return snapshot, nil
}
