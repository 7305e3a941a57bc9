package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitroute/internal/storage/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := &models.Session{CaptureIf: "srt0", TunnelIf: "utun0", PhysicalIf: "eth0", VPNPrefix: "10.0.0.0/8"}
	require.NoError(t, db.BeginSession(ctx, s))
	require.NotZero(t, s.ID)
	assert.Equal(t, models.SessionActive, s.State)

	open, err := db.OpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "utun0", open[0].TunnelIf)
	assert.True(t, open[0].Open())

	require.NoError(t, db.EndSession(ctx, s.ID, models.SessionClean))
	// Ending twice keeps the first outcome.
	require.NoError(t, db.EndSession(ctx, s.ID, models.SessionRecovered))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClean, got.State)
	assert.NotNil(t, got.EndedAt)

	open, err = db.OpenSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = db.GetSession(ctx, 999)
	assert.Error(t, err)
}

func TestRouteJournal(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := &models.Session{TunnelIf: "utun0"}
	require.NoError(t, db.BeginSession(ctx, s))

	require.NoError(t, db.RecordOriginal(ctx, s.ID, &models.SessionRoute{Dst: "0.0.0.0/0", Gateway: "192.168.1.1", LinkIndex: 2, Metric: 100}))
	require.NoError(t, db.RecordInstalled(ctx, s.ID, &models.SessionRoute{Dst: "0.0.0.0/0", LinkIndex: 9}))
	require.NoError(t, db.RecordInstalled(ctx, s.ID, &models.SessionRoute{Dst: "10.0.0.0/8", LinkIndex: 5}))
	require.NoError(t, db.MarkRemoved(ctx, s.ID, "10.0.0.0/8", 5))
	// Unknown routes are ignored.
	require.NoError(t, db.MarkRemoved(ctx, s.ID, "172.16.0.0/12", 5))

	routes, err := db.SessionRoutes(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, routes, 3)

	assert.Equal(t, int64(1), routes[0].Seq)
	assert.Equal(t, models.RouteOriginal, routes[0].Kind)
	assert.Equal(t, "192.168.1.1", routes[0].Gateway)
	assert.Equal(t, 100, routes[0].Metric)

	assert.Equal(t, int64(2), routes[1].Seq)
	assert.Equal(t, models.RouteInstalled, routes[1].Kind)
	assert.False(t, routes[1].Removed)

	assert.Equal(t, int64(3), routes[2].Seq)
	assert.True(t, routes[2].Removed)
}

func TestRecentSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.BeginSession(ctx, &models.Session{TunnelIf: "utun0"}))
	}
	recent, err := db.RecentSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Greater(t, recent[0].ID, recent[1].ID)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := &models.Session{TunnelIf: "utun0"}
	require.NoError(t, db.BeginSession(ctx, s))

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.EndSession(ctx, s.ID, models.SessionRecovered))
	require.NoError(t, tx.Rollback())

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Open())
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.GetSetting(ctx, "last_tunnel")
	assert.Error(t, err)

	require.NoError(t, db.SetSetting(ctx, "last_tunnel", "utun0"))
	require.NoError(t, db.SetSetting(ctx, "last_tunnel", "utun1"))

	v, err := db.GetSetting(ctx, "last_tunnel")
	require.NoError(t, err)
	assert.Equal(t, "utun1", v)

	all, err := db.GetAllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"last_tunnel": "utun1"}, all)
}

func TestSetSessionLinks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := &models.Session{TunnelIf: "utun0"}
	require.NoError(t, db.BeginSession(ctx, s))
	require.NoError(t, db.SetSessionLinks(ctx, s.ID, "srt0", "eth0"))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "srt0", got.CaptureIf)
	assert.Equal(t, "eth0", got.PhysicalIf)
}
