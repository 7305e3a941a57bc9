package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"splitroute/internal/route"
	"splitroute/internal/storage"
	"splitroute/internal/storage/models"
)

// RecoverStale unwinds every journaled session that never ended, which only
// happens when a previous process died without restoring its routes. It
// returns how many sessions were recovered.
func RecoverStale(ctx context.Context, store storage.Storage, h route.Handle, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions, err := store.OpenSessions(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	recovered := 0
	for _, s := range sessions {
		if s.PID != 0 && s.PID != os.Getpid() && processAlive(s.PID) {
			logger.Info("session still owned by a live process", zap.Int64("session", s.ID), zap.Int("pid", s.PID))
			continue
		}
		if err := recoverSession(ctx, store, h, s, logger); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", s.ID, err))
			continue
		}
		recovered++
	}
	return recovered, errors.Join(errs...)
}

func recoverSession(ctx context.Context, store storage.Storage, h route.Handle, s *models.Session, logger *zap.Logger) error {
	log := logger.With(zap.Int64("session", s.ID), zap.String("tunnel", s.TunnelIf))
	log.Warn("recovering routes from an unfinished session", zap.Time("started", s.StartedAt))

	rows, err := store.SessionRoutes(ctx, s.ID)
	if err != nil {
		return err
	}

	var (
		original  *route.Route
		installed []route.Route
	)
	for _, row := range rows {
		r, err := fromModel(row)
		if err != nil {
			log.Warn("skipping unreadable journal row", zap.Int64("seq", row.Seq), zap.Error(err))
			continue
		}
		switch {
		case row.Kind == models.RouteOriginal:
			original = &r
		case !row.Removed:
			installed = append(installed, r)
		}
	}

	removed, unwindErr := route.Unwind(ctx, h, installed, original, log)

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return errors.Join(unwindErr, err)
	}
	for _, r := range removed {
		if err := tx.MarkRemoved(ctx, s.ID, r.Dst.Masked().String(), r.LinkIndex); err != nil {
			_ = tx.Rollback()
			return errors.Join(unwindErr, err)
		}
	}
	if unwindErr == nil {
		if err := tx.EndSession(ctx, s.ID, models.SessionRecovered); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(unwindErr, err)
	}
	return unwindErr
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
