// Package forward transmits captured packets out of a specific link,
// bypassing the kernel routing table.
package forward

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	apperrors "splitroute/pkg/errors"
)

const (
	// EthernetMTU is the largest IPv4 packet carried in one frame.
	EthernetMTU = 1500
	// MinIPv4Header is the shortest valid IPv4 header.
	MinIPv4Header = 20
)

var serializeOpts = gopacket.SerializeOptions{}

// BuildFrame wraps an IPv4 packet in an Ethernet II header with the given
// addresses and EtherType IPv4. The packet bytes are copied unmodified.
func BuildFrame(pkt []byte, src, dst net.HardwareAddr) ([]byte, error) {
	if len(pkt) < MinIPv4Header {
		return nil, fmt.Errorf("%w: %d bytes", apperrors.ErrPacketTooShort, len(pkt))
	}
	if len(pkt) > EthernetMTU {
		return nil, fmt.Errorf("%w: %d bytes", apperrors.ErrPacketTooLarge, len(pkt))
	}

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(pkt)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
