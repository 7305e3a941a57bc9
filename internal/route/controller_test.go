package route

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// fakeHandle is an in-memory main routing table.
type fakeHandle struct {
	table   []netlink.Route
	ops     []string
	failAdd map[string]error
	failDel map[string]error
}

func (f *fakeHandle) RouteListFiltered(int, *netlink.Route, uint64) ([]netlink.Route, error) {
	return append([]netlink.Route(nil), f.table...), nil
}

func (f *fakeHandle) find(nl *netlink.Route) int {
	want, _ := fromNetlink(*nl)
	for i, have := range f.table {
		r, _ := fromNetlink(have)
		if r.Equivalent(want) {
			return i
		}
	}
	return -1
}

func (f *fakeHandle) RouteAdd(nl *netlink.Route) error {
	r, _ := fromNetlink(*nl)
	if err := f.failAdd[r.String()]; err != nil {
		return err
	}
	if f.find(nl) >= 0 {
		return unix.EEXIST
	}
	f.ops = append(f.ops, "add "+r.String())
	f.table = append(f.table, *nl)
	return nil
}

func (f *fakeHandle) RouteDel(nl *netlink.Route) error {
	r, _ := fromNetlink(*nl)
	if err := f.failDel[r.String()]; err != nil {
		return err
	}
	i := f.find(nl)
	if i < 0 {
		return unix.ESRCH
	}
	f.ops = append(f.ops, "del "+r.String())
	f.table = append(f.table[:i], f.table[i+1:]...)
	return nil
}

func (f *fakeHandle) routes() []Route {
	out := make([]Route, 0, len(f.table))
	for _, nl := range f.table {
		r, _ := fromNetlink(nl)
		out = append(out, r)
	}
	return out
}

// withDefault seeds the table the way the kernel reports a default route.
func withDefault(gw string, link int) *fakeHandle {
	return &fakeHandle{table: []netlink.Route{
		{LinkIndex: link, Gw: net.ParseIP(gw).To4(), Priority: 100},
		{LinkIndex: link, Dst: &net.IPNet{IP: net.IPv4(192, 168, 1, 0).To4(), Mask: net.CIDRMask(24, 32)}, Scope: netlink.SCOPE_LINK},
	}}
}

type recordingJournal struct {
	original  *Route
	installed []Route
	removed   []Route
	restored  int
}

func (j *recordingJournal) Original(r *Route) error  { j.original = r; return nil }
func (j *recordingJournal) Installed(r Route) error { j.installed = append(j.installed, r); return nil }
func (j *recordingJournal) Removed(r Route) error   { j.removed = append(j.removed, r); return nil }
func (j *recordingJournal) Restored() error         { j.restored++; return nil }

func takeoverSpec() TakeoverSpec {
	return TakeoverSpec{
		CaptureIndex: 10,
		TunnelIndex:  11,
		VPNPrefix:    netip.MustParsePrefix("10.0.0.0/8"),
		Bypass:       []netip.Addr{netip.MustParseAddr("203.0.113.7")},
	}
}

func TestSnapshotDefault(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	h.table = append(h.table, netlink.Route{LinkIndex: 3, Gw: net.ParseIP("10.1.1.1").To4(), Priority: 600})

	c := NewController(h, nil, nil)
	r, err := c.SnapshotDefault(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), r.Gateway)
	assert.Equal(t, 2, r.LinkIndex)
	assert.True(t, r.IsDefault())
	assert.Empty(t, h.ops)

	empty := NewController(&fakeHandle{}, nil, nil)
	r, err = empty.SnapshotDefault(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestInstallIsIdempotent(t *testing.T) {
	h := &fakeHandle{}
	c := NewController(h, nil, nil)
	r := Route{Dst: netip.MustParsePrefix("10.0.0.0/8"), LinkIndex: 11}

	require.NoError(t, c.Install(context.Background(), r))
	require.NoError(t, c.Install(context.Background(), r))

	assert.Len(t, h.table, 1)
	assert.Len(t, c.Installed(), 1)
}

func TestInstallFailureIsRouteError(t *testing.T) {
	r := Route{Dst: netip.MustParsePrefix("10.0.0.0/8"), LinkIndex: 11}
	h := &fakeHandle{failAdd: map[string]error{r.String(): unix.EPERM}}
	c := NewController(h, nil, nil)

	err := c.Install(context.Background(), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EPERM)
	assert.Empty(t, c.Installed())
}

func TestRemoveMissingRouteSucceeds(t *testing.T) {
	c := NewController(&fakeHandle{}, nil, nil)
	err := c.Remove(context.Background(), Route{Dst: netip.MustParsePrefix("10.0.0.0/8"), LinkIndex: 11})
	assert.NoError(t, err)
}

func TestTakeoverOrder(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	j := &recordingJournal{}
	c := NewController(h, j, nil)

	require.NoError(t, c.Takeover(context.Background(), takeoverSpec()))

	assert.Equal(t, []string{
		"del default via 192.168.1.1 dev #2 metric 100",
		"add default dev #10",
		"add 10.0.0.0/8 dev #11",
		"add 203.0.113.7/32 via 192.168.1.1 dev #2",
	}, h.ops)

	require.NotNil(t, j.original)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), j.original.Gateway)
	assert.Len(t, j.installed, 3)

	err := c.Takeover(context.Background(), takeoverSpec())
	assert.Error(t, err)
}

func TestTakeoverPinnedOriginal(t *testing.T) {
	// The tunnel replaced the default route before takeover.
	h := withDefault("10.200.0.1", 11)
	pinned := &Route{Dst: DefaultPrefix, Gateway: netip.MustParseAddr("192.168.1.1"), LinkIndex: 2, Metric: 100}
	c := NewController(h, nil, nil)

	spec := takeoverSpec()
	spec.Original = pinned
	require.NoError(t, c.Takeover(context.Background(), spec))
	assert.Equal(t, pinned, c.Original())
	assert.Contains(t, h.ops, "add 203.0.113.7/32 via 192.168.1.1 dev #2")

	require.NoError(t, c.Restore(context.Background()))
	snap, err := c.SnapshotDefault(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, pinned.Gateway, snap.Gateway)
	assert.Equal(t, pinned.LinkIndex, snap.LinkIndex)
}

func TestRestoreReturnsTableToSnapshot(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	before := h.routes()
	j := &recordingJournal{}
	c := NewController(h, j, nil)

	require.NoError(t, c.Takeover(context.Background(), takeoverSpec()))
	h.ops = nil
	require.NoError(t, c.Restore(context.Background()))

	assert.Equal(t, []string{
		"del 203.0.113.7/32 via 192.168.1.1 dev #2",
		"del 10.0.0.0/8 dev #11",
		"del default dev #10",
		"add default via 192.168.1.1 dev #2 metric 100",
	}, h.ops)
	assert.ElementsMatch(t, before, h.routes())
	assert.Empty(t, c.Installed())
	assert.Equal(t, 1, j.restored)
	assert.Len(t, j.removed, 3)
}

func TestRestoreTwiceIsNoop(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	c := NewController(h, nil, nil)

	require.NoError(t, c.Takeover(context.Background(), takeoverSpec()))
	require.NoError(t, c.Restore(context.Background()))
	after := h.routes()
	h.ops = nil

	require.NoError(t, c.Restore(context.Background()))
	assert.Empty(t, h.ops)
	assert.ElementsMatch(t, after, h.routes())
}

func TestRestoreContinuesPastFailures(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	c := NewController(h, nil, nil)
	require.NoError(t, c.Takeover(context.Background(), takeoverSpec()))

	h.failDel = map[string]error{"10.0.0.0/8 dev #11": unix.EPERM}
	err := c.Restore(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EPERM)

	snap, serr := c.SnapshotDefault(context.Background())
	require.NoError(t, serr)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.LinkIndex)
}

func TestPartialTakeoverRestores(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	before := h.routes()
	h.failAdd = map[string]error{"10.0.0.0/8 dev #11": errors.New("no such device")}
	c := NewController(h, nil, nil)

	require.Error(t, c.Takeover(context.Background(), takeoverSpec()))
	h.failAdd = nil
	require.NoError(t, c.Restore(context.Background()))
	assert.ElementsMatch(t, before, h.routes())
}

func TestRestoreWithoutTakeover(t *testing.T) {
	h := withDefault("192.168.1.1", 2)
	c := NewController(h, nil, nil)
	require.NoError(t, c.Restore(context.Background()))
	assert.Empty(t, h.ops)
}
