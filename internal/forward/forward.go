package forward

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"

	"splitroute/internal/netif"
	apperrors "splitroute/pkg/errors"
)

const etherTypeIPv4 = 0x0800

// Channel is a link-layer send path. *packet.Conn satisfies it.
type Channel interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

var _ Channel = (*packet.Conn)(nil)

// Forwarder sends packets out of one link. Ethernet links get a rebuilt
// frame addressed to a resolved next hop; point-to-point links take the IP
// packet as is.
type Forwarder struct {
	link     netif.Interface
	ch       Channel
	ethernet bool
}

// New binds a forwarder to an already open channel.
func New(link netif.Interface, ch Channel, ethernet bool) *Forwarder {
	return &Forwarder{link: link, ch: ch, ethernet: ethernet}
}

// Open picks the send path that matches the link type.
func Open(link netif.Interface) (*Forwarder, error) {
	if link.IsPointToPoint() {
		return OpenPointToPoint(link)
	}
	return OpenEthernet(link)
}

// OpenEthernet opens a raw AF_PACKET channel that accepts whole frames.
func OpenEthernet(link netif.Interface) (*Forwarder, error) {
	if len(link.HardwareAddr) == 0 {
		return nil, fmt.Errorf("link %s has no hardware address", link.Name)
	}
	conn, err := listen(link, packet.Raw, 0)
	if err != nil {
		return nil, err
	}
	return New(link, conn, true), nil
}

// OpenPointToPoint opens a datagram AF_PACKET channel for links without a
// hardware address; the kernel supplies any link framing.
func OpenPointToPoint(link netif.Interface) (*Forwarder, error) {
	conn, err := listen(link, packet.Datagram, etherTypeIPv4)
	if err != nil {
		return nil, err
	}
	return New(link, conn, false), nil
}

// dropAll keeps the send-only socket from queueing a copy of every frame
// seen on the link.
var dropAll = []bpf.Instruction{bpf.RetConstant{Val: 0}}

func listen(link netif.Interface, typ packet.Type, proto int) (*packet.Conn, error) {
	filter, err := bpf.Assemble(dropAll)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	conn, err := packet.Listen(link.NetInterface(), typ, proto, &packet.Config{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to open packet socket on %s: %w", link.Name, err)
	}
	return conn, nil
}

// Link returns the bound link snapshot.
func (f *Forwarder) Link() netif.Interface { return f.link }

// NeedsResolution reports whether Forward requires a destination hardware
// address.
func (f *Forwarder) NeedsResolution() bool { return f.ethernet }

// Forward transmits pkt. dst is the next hop's hardware address and is
// ignored on point-to-point links.
func (f *Forwarder) Forward(pkt []byte, dst net.HardwareAddr) error {
	out := pkt
	// The packet socket rejects a nil hardware address even when the link
	// has none.
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr{}}
	if f.ethernet {
		frame, err := BuildFrame(pkt, f.link.HardwareAddr, dst)
		if err != nil {
			return err
		}
		out = frame
		addr.HardwareAddr = dst
	} else {
		if len(pkt) < MinIPv4Header {
			return fmt.Errorf("%w: %d bytes", apperrors.ErrPacketTooShort, len(pkt))
		}
		if len(pkt) > EthernetMTU {
			return fmt.Errorf("%w: %d bytes", apperrors.ErrPacketTooLarge, len(pkt))
		}
	}

	if _, err := f.ch.WriteTo(out, addr); err != nil {
		return &apperrors.PacketError{
			Reason: apperrors.ReasonTransmitFailed,
			Link:   f.link.Name,
			Dest:   destination(pkt),
			Err:    fmt.Errorf("%w: %w", apperrors.ErrTransmitFailed, err),
		}
	}
	return nil
}

// Close releases the channel.
func (f *Forwarder) Close() error {
	return f.ch.Close()
}

func destination(pkt []byte) string {
	if len(pkt) < MinIPv4Header {
		return "?"
	}
	return netip.AddrFrom4([4]byte(pkt[16:20])).String()
}
