package resolve

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "splitroute/pkg/errors"
)

var testMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}

type fakeARPClient struct {
	deadline time.Time
	err      error
	asked    []netip.Addr
	closed   bool
}

func (f *fakeARPClient) Resolve(ip netip.Addr) (net.HardwareAddr, error) {
	f.asked = append(f.asked, ip)
	if f.err != nil {
		return nil, f.err
	}
	return testMAC, nil
}

func (f *fakeARPClient) SetDeadline(t time.Time) error { f.deadline = t; return nil }
func (f *fakeARPClient) Close() error                  { f.closed = true; return nil }

func TestARPResolve(t *testing.T) {
	client := &fakeARPClient{}
	a := &ARP{client: client, link: "eth0", timeout: time.Second}

	start := time.Now()
	mac, err := a.Resolve(context.Background(), netip.MustParseAddr("192.168.1.1"))
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)
	assert.WithinDuration(t, start.Add(time.Second), client.deadline, 500*time.Millisecond)

	require.NoError(t, a.Close())
	assert.True(t, client.closed)
}

func TestARPTimeout(t *testing.T) {
	client := &fakeARPClient{err: os.ErrDeadlineExceeded}
	a := &ARP{client: client, link: "eth0", timeout: time.Second}

	_, err := a.Resolve(context.Background(), netip.MustParseAddr("192.168.1.77"))
	assert.ErrorIs(t, err, apperrors.ErrResolutionTimeout)
}

func TestARPContextDeadlineWins(t *testing.T) {
	client := &fakeARPClient{}
	a := &ARP{client: client, link: "eth0", timeout: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	want, _ := ctx.Deadline()

	_, err := a.Resolve(ctx, netip.MustParseAddr("192.168.1.1"))
	require.NoError(t, err)
	assert.Equal(t, want, client.deadline)
}

func TestARPRejectsIPv6(t *testing.T) {
	a := &ARP{client: &fakeARPClient{}, link: "eth0", timeout: time.Second}
	_, err := a.Resolve(context.Background(), netip.MustParseAddr("fe80::1"))
	assert.ErrorIs(t, err, apperrors.ErrNotIPv4)
}

func TestCacheServesFreshEntries(t *testing.T) {
	calls := 0
	next := ResolverFunc(func(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
		calls++
		return testMAC, nil
	})
	now := time.Unix(1000, 0)
	c := NewCache(next, 30*time.Second, nil)
	c.now = func() time.Time { return now }

	ip := netip.MustParseAddr("192.168.1.1")
	for i := 0; i < 3; i++ {
		mac, err := c.Resolve(context.Background(), ip)
		require.NoError(t, err)
		assert.Equal(t, testMAC, mac)
	}
	assert.Equal(t, 1, calls)

	now = now.Add(30 * time.Second)
	_, err := c.Resolve(context.Background(), ip)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expired entry must not be served")
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	calls := 0
	next := ResolverFunc(func(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
		calls++
		return nil, errors.New("no reply")
	})
	c := NewCache(next, time.Minute, nil)
	ip := netip.MustParseAddr("192.168.1.9")

	_, err := c.Resolve(context.Background(), ip)
	require.Error(t, err)
	_, err = c.Resolve(context.Background(), ip)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Zero(t, c.Len())
}

func TestCacheSweep(t *testing.T) {
	next := ResolverFunc(func(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
		return testMAC, nil
	})
	now := time.Unix(1000, 0)
	c := NewCache(next, 10*time.Second, nil)
	c.now = func() time.Time { return now }

	_, _ = c.Resolve(context.Background(), netip.MustParseAddr("192.168.1.1"))
	now = now.Add(5 * time.Second)
	_, _ = c.Resolve(context.Background(), netip.MustParseAddr("192.168.1.2"))
	require.Equal(t, 2, c.Len())

	now = now.Add(6 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCacheStartClose(t *testing.T) {
	c := NewCache(ResolverFunc(func(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
		return testMAC, nil
	}), time.Minute, nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
