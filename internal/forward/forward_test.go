package forward

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"splitroute/internal/netif"
	apperrors "splitroute/pkg/errors"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

// ipv4Packet returns a minimal header addressed to 8.8.8.8 plus payload.
func ipv4Packet(payload int) []byte {
	pkt := make([]byte, MinIPv4Header+payload)
	pkt[0] = 0x45
	copy(pkt[12:16], []byte{192, 168, 1, 20})
	copy(pkt[16:20], []byte{8, 8, 8, 8})
	for i := MinIPv4Header; i < len(pkt); i++ {
		pkt[i] = byte(i)
	}
	return pkt
}

type recordingChannel struct {
	frames [][]byte
	addrs  []net.Addr
	err    error
	closed bool
}

func (c *recordingChannel) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	// Mirrors *packet.Conn, which refuses a missing hardware address.
	if a, ok := addr.(*packet.Addr); !ok || a.HardwareAddr == nil {
		return 0, unix.EINVAL
	}
	c.frames = append(c.frames, append([]byte(nil), b...))
	c.addrs = append(c.addrs, addr)
	return len(b), nil
}

func (c *recordingChannel) Close() error { c.closed = true; return nil }

func TestBuildFrame(t *testing.T) {
	pkt := ipv4Packet(100)
	frame, err := BuildFrame(pkt, srcMAC, dstMAC)
	require.NoError(t, err)

	decoded := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := decoded.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, srcMAC, eth.SrcMAC)
	assert.Equal(t, dstMAC, eth.DstMAC)
	assert.Equal(t, layers.EthernetTypeIPv4, eth.EthernetType)
	assert.Equal(t, pkt, frame[14:14+len(pkt)])
}

func TestBuildFrameRejectsShortAndLarge(t *testing.T) {
	_, err := BuildFrame(make([]byte, 19), srcMAC, dstMAC)
	assert.ErrorIs(t, err, apperrors.ErrPacketTooShort)

	_, err = BuildFrame(ipv4Packet(EthernetMTU), srcMAC, dstMAC)
	assert.ErrorIs(t, err, apperrors.ErrPacketTooLarge)
}

func TestForwardEthernet(t *testing.T) {
	ch := &recordingChannel{}
	f := New(netif.Interface{Name: "eth0", HardwareAddr: srcMAC}, ch, true)
	require.True(t, f.NeedsResolution())

	require.NoError(t, f.Forward(ipv4Packet(10), dstMAC))
	require.Len(t, ch.frames, 1)
	assert.Equal(t, []byte(dstMAC), ch.frames[0][0:6])
	assert.Equal(t, []byte(srcMAC), ch.frames[0][6:12])
	assert.Equal(t, &packet.Addr{HardwareAddr: dstMAC}, ch.addrs[0])
}

func TestForwardPointToPoint(t *testing.T) {
	ch := &recordingChannel{}
	f := New(netif.Interface{Name: "utun0"}, ch, false)
	require.False(t, f.NeedsResolution())

	pkt := ipv4Packet(10)
	require.NoError(t, f.Forward(pkt, nil))
	require.Len(t, ch.frames, 1)
	assert.Equal(t, pkt, ch.frames[0])
	addr, ok := ch.addrs[0].(*packet.Addr)
	require.True(t, ok)
	assert.NotNil(t, addr.HardwareAddr)
	assert.Empty(t, addr.HardwareAddr)

	assert.ErrorIs(t, f.Forward(make([]byte, 5), nil), apperrors.ErrPacketTooShort)
}

func TestForwardTransmitFailure(t *testing.T) {
	ch := &recordingChannel{err: errors.New("network is down")}
	f := New(netif.Interface{Name: "eth0", HardwareAddr: srcMAC}, ch, true)

	err := f.Forward(ipv4Packet(10), dstMAC)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransmitFailed)

	var pe *apperrors.PacketError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperrors.ReasonTransmitFailed, pe.Reason)
	assert.Equal(t, "8.8.8.8", pe.Dest)
	assert.Equal(t, "eth0", pe.Link)

	require.NoError(t, f.Close())
	assert.True(t, ch.closed)
}

func TestForwardEthernetWithoutNextHopFails(t *testing.T) {
	ch := &recordingChannel{}
	f := New(netif.Interface{Name: "eth0", HardwareAddr: srcMAC}, ch, true)

	assert.Error(t, f.Forward(ipv4Packet(10), nil))
	assert.Empty(t, ch.frames)
}
