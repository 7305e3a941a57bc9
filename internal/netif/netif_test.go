package netif

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "splitroute/pkg/errors"
)

func named(names ...string) []Interface {
	out := make([]Interface, 0, len(names))
	for i, n := range names {
		out = append(out, Interface{Name: n, Index: i + 1})
	}
	return out
}

// countingLister returns a different snapshot on every call so tests can
// check that nothing is cached between probes.
type countingLister struct {
	snapshots [][]Interface
	calls     int
}

func (c *countingLister) Interfaces() ([]Interface, error) {
	s := c.snapshots[c.calls%len(c.snapshots)]
	c.calls++
	return s, nil
}

func TestGenerateFreeName(t *testing.T) {
	t.Run("nothing taken", func(t *testing.T) {
		name, err := GenerateFreeName(&countingLister{snapshots: [][]Interface{named("lo", "eth0")}}, "utun")
		require.NoError(t, err)
		assert.Equal(t, "utun0", name)
	})

	t.Run("utun0 taken", func(t *testing.T) {
		name, err := GenerateFreeName(&countingLister{snapshots: [][]Interface{named("lo", "utun0")}}, "utun")
		require.NoError(t, err)
		assert.Equal(t, "utun1", name)
	})

	t.Run("re-enumerates on every probe", func(t *testing.T) {
		l := &countingLister{snapshots: [][]Interface{
			named("utun0"),
			named("utun0", "utun1"),
			named("utun0", "utun1"),
		}}
		name, err := GenerateFreeName(l, "utun")
		require.NoError(t, err)
		assert.Equal(t, "utun2", name)
		assert.Equal(t, 3, l.calls)
	})

	t.Run("lister error", func(t *testing.T) {
		_, err := GenerateFreeName(ListerFunc(func() ([]Interface, error) {
			return nil, errors.New("netlink down")
		}), "utun")
		require.Error(t, err)
	})
}

func TestDefaultInterface(t *testing.T) {
	snapshot := []Interface{
		{Name: "lo", Index: 1, Flags: net.FlagUp | net.FlagLoopback, Prefixes: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/8")}},
		{Name: "eth1", Index: 2, Flags: 0, Prefixes: []netip.Prefix{netip.MustParsePrefix("10.9.0.2/24")}},
		{Name: "eth2", Index: 3, Flags: net.FlagUp},
		{Name: "eth0", Index: 4, Flags: net.FlagUp, Prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.20/24")}},
	}

	iface, ok := DefaultInterface(snapshot)
	require.True(t, ok)
	assert.Equal(t, "eth0", iface.Name)

	_, ok = DefaultInterface(snapshot[:3])
	assert.False(t, ok)
}

func TestByNameAndIndex(t *testing.T) {
	snapshot := named("lo", "eth0")

	iface, err := ByName(snapshot, "eth0")
	require.NoError(t, err)
	assert.Equal(t, 2, iface.Index)

	_, err = ByIndex(snapshot, 9)
	assert.True(t, apperrors.Is(err, apperrors.ErrInterfaceNotFound))
}

func TestNewNames(t *testing.T) {
	before := named("lo", "eth0", "utun0")
	after := named("lo", "eth0", "utun0", "docker0", "utun1")

	added := NewNames(before, after, "utun")
	require.Len(t, added, 1)
	assert.Equal(t, "utun1", added[0].Name)

	assert.Len(t, NewNames(before, after, ""), 2)
}

func TestOnLinkAndPointToPoint(t *testing.T) {
	eth := Interface{
		Name:         "eth0",
		HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		Prefixes:     []netip.Prefix{netip.MustParsePrefix("192.168.1.20/24")},
	}
	assert.True(t, eth.OnLink(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, eth.OnLink(netip.MustParseAddr("8.8.8.8")))
	assert.False(t, eth.IsPointToPoint())

	tun := Interface{Name: "utun0", Flags: net.FlagUp | net.FlagPointToPoint}
	assert.True(t, tun.IsPointToPoint())
}

func TestSnapshotSortsByIndex(t *testing.T) {
	l := ListerFunc(func() ([]Interface, error) {
		return []Interface{{Name: "utun0", Index: 7}, {Name: "lo", Index: 1}, {Name: "eth0", Index: 2}}, nil
	})
	snap, err := Snapshot(l)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"lo", "eth0", "utun0"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})

	_, err = Snapshot(ListerFunc(func() ([]Interface, error) { return nil, errors.New("netlink down") }))
	assert.Error(t, err)
}
