package app

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"splitroute/internal/route"
	"splitroute/internal/storage/models"
	"splitroute/internal/storage/sqlite"
)

type tableHandle struct {
	routes []netlink.Route
}

func sameRoute(a, b netlink.Route) bool {
	dst := func(r netlink.Route) string {
		if r.Dst == nil {
			return "0.0.0.0/0"
		}
		return r.Dst.String()
	}
	return dst(a) == dst(b) && a.LinkIndex == b.LinkIndex
}

func (h *tableHandle) RouteListFiltered(int, *netlink.Route, uint64) ([]netlink.Route, error) {
	return append([]netlink.Route(nil), h.routes...), nil
}

func (h *tableHandle) RouteAdd(r *netlink.Route) error {
	for _, have := range h.routes {
		if sameRoute(have, *r) {
			return unix.EEXIST
		}
	}
	h.routes = append(h.routes, *r)
	return nil
}

func (h *tableHandle) RouteDel(r *netlink.Route) error {
	for i, have := range h.routes {
		if sameRoute(have, *r) {
			h.routes = append(h.routes[:i], h.routes[i+1:]...)
			return nil
		}
	}
	return unix.ESRCH
}

func (h *tableHandle) has(dst string, link int) bool {
	_, n, _ := net.ParseCIDR(dst)
	for _, r := range h.routes {
		if sameRoute(r, netlink.Route{Dst: n, LinkIndex: link}) {
			return true
		}
	}
	return false
}

func newStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seededTable() *tableHandle {
	return &tableHandle{routes: []netlink.Route{
		{LinkIndex: 2, Gw: net.IPv4(192, 168, 1, 1).To4(), Priority: 100},
	}}
}

func spec() route.TakeoverSpec {
	return route.TakeoverSpec{
		CaptureIndex: 9,
		TunnelIndex:  5,
		VPNPrefix:    netip.MustParsePrefix("10.0.0.0/8"),
		Bypass:       []netip.Addr{netip.MustParseAddr("203.0.113.7")},
	}
}

func TestJournalRecordsSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	h := seededTable()

	j, err := BeginJournal(ctx, store, &models.Session{TunnelIf: "utun0"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	c := route.NewController(h, j, zaptest.NewLogger(t))
	require.NoError(t, c.Takeover(ctx, spec()))

	rows, err := store.SessionRoutes(ctx, j.SessionID())
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, models.RouteOriginal, rows[0].Kind)
	assert.Equal(t, "0.0.0.0/0", rows[0].Dst)
	assert.Equal(t, "192.168.1.1", rows[0].Gateway)
	assert.Equal(t, "10.0.0.0/8", rows[2].Dst)
	assert.Equal(t, "203.0.113.7/32", rows[3].Dst)

	require.NoError(t, c.Restore(ctx))
	require.NoError(t, j.End(ctx, models.SessionClean))

	rows, err = store.SessionRoutes(ctx, j.SessionID())
	require.NoError(t, err)
	for _, r := range rows[1:] {
		assert.True(t, r.Removed, r.Dst)
	}

	open, err := store.OpenSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRecoverStaleUnwindsCrashedSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	h := seededTable()

	j, err := BeginJournal(ctx, store, &models.Session{TunnelIf: "utun0"}, nil)
	require.NoError(t, err)
	c := route.NewController(h, j, nil)
	require.NoError(t, c.Takeover(ctx, spec()))
	// The process dies here: no Restore, no End.

	require.True(t, h.has("10.0.0.0/8", 5))
	require.False(t, h.has("0.0.0.0/0", 2))

	n, err := RecoverStale(ctx, store, h, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, h.has("0.0.0.0/0", 2))
	assert.False(t, h.has("0.0.0.0/0", 9))
	assert.False(t, h.has("10.0.0.0/8", 5))
	assert.False(t, h.has("203.0.113.7/32", 2))

	s, err := store.GetSession(ctx, j.SessionID())
	require.NoError(t, err)
	assert.Equal(t, models.SessionRecovered, s.State)

	n, err = RecoverStale(ctx, store, h, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStaleSkipsLiveOwner(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// pid 1 is always alive.
	require.NoError(t, store.BeginSession(ctx, &models.Session{TunnelIf: "utun0", PID: 1}))

	n, err := RecoverStale(ctx, store, seededTable(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	open, err := store.OpenSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestModelRoundTrip(t *testing.T) {
	r := route.Route{Dst: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("192.168.1.1"), LinkIndex: 2, Metric: 100}
	back, err := fromModel(toModel(r))
	require.NoError(t, err)
	assert.Equal(t, r, back)

	direct := route.Route{Dst: netip.MustParsePrefix("10.0.0.0/8"), LinkIndex: 5}
	back, err = fromModel(toModel(direct))
	require.NoError(t, err)
	assert.False(t, back.Gateway.IsValid())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := NewLogger("loud", "", false)
	assert.Error(t, err)

	logger, closeFn, err := NewLogger("debug", filepath.Join(t.TempDir(), LogFileName), true)
	require.NoError(t, err)
	logger.Info("hello")
	closeFn()
}
