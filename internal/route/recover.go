package route

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	apperrors "splitroute/pkg/errors"
)

// Unwind undoes a session that ended without restoring the routing table:
// installed routes are removed newest first, then original is reinstalled.
// Routes that are already gone or already present count as success. It
// returns the routes it managed to remove, plus any failures joined.
func Unwind(ctx context.Context, h Handle, installed []Route, original *Route, logger *zap.Logger) ([]Route, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		removed []Route
		errs    []error
	)
	for i := len(installed) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(append(errs, err)...)
		}
		r := installed[i]
		if err := deleteRoute(h, r); err != nil {
			logger.Warn("failed to remove stale route", zap.Stringer("route", r), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		logger.Info("stale route removed", zap.Stringer("route", r))
		removed = append(removed, r)
	}

	if original != nil {
		err := h.RouteAdd(original.toNetlink())
		if err != nil && !errors.Is(err, unix.EEXIST) {
			logger.Error("failed to reinstall original default route", zap.Stringer("route", *original), zap.Error(err))
			errs = append(errs, &apperrors.RouteError{Op: "add", Route: original.String(), Err: err})
		} else {
			logger.Info("original default route reinstalled", zap.Stringer("route", *original))
		}
	}
	return removed, errors.Join(errs...)
}
