package app

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"splitroute/internal/route"
	"splitroute/internal/storage"
	"splitroute/internal/storage/models"
)

const journalTimeout = 5 * time.Second

// Journal records one session's route changes in storage.
type Journal struct {
	store     storage.Storage
	sessionID int64
	logger    *zap.Logger
}

var _ route.Journal = (*Journal)(nil)

// BeginJournal opens a new session row and returns a journal bound to it.
func BeginJournal(ctx context.Context, store storage.Storage, session *models.Session, logger *zap.Logger) (*Journal, error) {
	if err := store.BeginSession(ctx, session); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{store: store, sessionID: session.ID, logger: logger}, nil
}

// SessionID returns the journaled session's id.
func (j *Journal) SessionID() int64 { return j.sessionID }

func (j *Journal) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), journalTimeout)
}

func (j *Journal) Original(r *route.Route) error {
	if r == nil {
		return nil
	}
	ctx, cancel := j.ctx()
	defer cancel()
	return j.store.RecordOriginal(ctx, j.sessionID, toModel(*r))
}

func (j *Journal) Installed(r route.Route) error {
	ctx, cancel := j.ctx()
	defer cancel()
	return j.store.RecordInstalled(ctx, j.sessionID, toModel(r))
}

func (j *Journal) Removed(r route.Route) error {
	ctx, cancel := j.ctx()
	defer cancel()
	return j.store.MarkRemoved(ctx, j.sessionID, r.Dst.Masked().String(), r.LinkIndex)
}

// Restored is informational; the session is ended explicitly with End so the
// outcome can say whether startup succeeded.
func (j *Journal) Restored() error {
	j.logger.Debug("routing table restored", zap.Int64("session", j.sessionID))
	return nil
}

// Describe records the capture and physical links picked during startup.
func (j *Journal) Describe(ctx context.Context, captureIf, physicalIf string) error {
	return j.store.SetSessionLinks(ctx, j.sessionID, captureIf, physicalIf)
}

// End closes the session with the given state.
func (j *Journal) End(ctx context.Context, state string) error {
	return j.store.EndSession(ctx, j.sessionID, state)
}

func toModel(r route.Route) *models.SessionRoute {
	m := &models.SessionRoute{
		Dst:       r.Dst.Masked().String(),
		LinkIndex: r.LinkIndex,
		Metric:    r.Metric,
	}
	if r.Gateway.IsValid() {
		m.Gateway = r.Gateway.String()
	}
	return m
}

func fromModel(m *models.SessionRoute) (route.Route, error) {
	dst, err := netip.ParsePrefix(m.Dst)
	if err != nil {
		return route.Route{}, err
	}
	r := route.Route{Dst: dst, LinkIndex: m.LinkIndex, Metric: m.Metric}
	if m.Gateway != "" {
		gw, err := netip.ParseAddr(m.Gateway)
		if err != nil {
			return route.Route{}, err
		}
		r.Gateway = gw
	}
	return r, nil
}
