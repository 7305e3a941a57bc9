package route

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	apperrors "splitroute/pkg/errors"
)

// Handle is the subset of *netlink.Handle the controller uses, so tests can
// substitute an in-memory routing table.
type Handle interface {
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

var _ Handle = (*netlink.Handle)(nil)

// Journal receives every route mutation so an interrupted session can be
// unwound by a later process. Journal failures are logged, never fatal.
type Journal interface {
	Original(r *Route) error
	Installed(r Route) error
	Removed(r Route) error
	Restored() error
}

// TakeoverSpec describes the routes a session installs.
type TakeoverSpec struct {
	CaptureIndex   int
	CaptureGateway netip.Addr // optional next hop on the capture device
	TunnelIndex    int
	VPNPrefix      netip.Prefix

	// Original pins a default route observed before the tunnel came up.
	// Tunnel tooling may replace the default route, so the pre-tunnel
	// snapshot is the one worth restoring. Nil means snapshot now.
	Original *Route

	// Bypass addresses get host routes via the original default route, so
	// the tunnel's own transport never depends on the capture loop.
	Bypass []netip.Addr
}

// Controller is the single owner of kernel route mutations for a session.
type Controller struct {
	handle  Handle
	journal Journal
	logger  *zap.Logger

	mu        sync.Mutex
	captured  bool
	original  *Route
	installed []Route
	restored  bool
}

// NewController creates a controller. journal may be nil.
func NewController(handle Handle, journal Journal, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{handle: handle, journal: journal, logger: logger}
}

// NewSystemHandle opens a netlink handle in the current network namespace.
func NewSystemHandle() (*netlink.Handle, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle: %w", err)
	}
	return h, nil
}

// SnapshotDefault returns the current IPv4 default route of the main table,
// or nil when there is none. It never mutates anything.
func (c *Controller) SnapshotDefault(ctx context.Context) (*Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snapshotDefault(c.handle)
}

func snapshotDefault(h Handle) (*Route, error) {
	routes, err := h.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, &apperrors.RouteError{Op: "list", Err: err}
	}

	var best *Route
	for _, nl := range routes {
		r, ok := fromNetlink(nl)
		if !ok || !r.IsDefault() {
			continue
		}
		if best == nil || r.Metric < best.Metric {
			found := r
			best = &found
		}
	}
	return best, nil
}

// Original returns the default route captured by Takeover, if any.
func (c *Controller) Original() *Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.original == nil {
		return nil
	}
	r := *c.original
	return &r
}

// Installed returns the routes this controller added, in install order.
func (c *Controller) Installed() []Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Route(nil), c.installed...)
}

// Install adds r. A route that already exists counts as success and is not
// recorded again, so installing twice has no further effect.
func (c *Controller) Install(ctx context.Context, r Route) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installLocked(r)
}

func (c *Controller) installLocked(r Route) error {
	if err := c.handle.RouteAdd(r.toNetlink()); err != nil {
		if errors.Is(err, unix.EEXIST) {
			c.logger.Debug("route already present", zap.Stringer("route", r))
			return nil
		}
		return &apperrors.RouteError{
			Op:    "add",
			Route: r.String(),
			Err:   fmt.Errorf("%w: %w", apperrors.ErrRouteInstallFailed, err),
		}
	}

	c.installed = append(c.installed, r)
	c.logger.Info("route installed", zap.Stringer("route", r))
	if c.journal != nil {
		if err := c.journal.Installed(r); err != nil {
			c.logger.Warn("journal: record installed route", zap.Error(err))
		}
	}
	return nil
}

// Remove deletes r. A route that is already gone counts as success.
func (c *Controller) Remove(ctx context.Context, r Route) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(r)
}

func (c *Controller) removeLocked(r Route) error {
	if err := deleteRoute(c.handle, r); err != nil {
		return err
	}
	for i := len(c.installed) - 1; i >= 0; i-- {
		if c.installed[i].Equivalent(r) {
			c.installed = append(c.installed[:i], c.installed[i+1:]...)
			if c.journal != nil {
				if err := c.journal.Removed(r); err != nil {
					c.logger.Warn("journal: record removed route", zap.Error(err))
				}
			}
			break
		}
	}
	return nil
}

func deleteRoute(h Handle, r Route) error {
	err := h.RouteDel(r.toNetlink())
	if err == nil || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return &apperrors.RouteError{Op: "del", Route: r.String(), Err: err}
}

// Takeover points the default route at the capture device. Steps run in a
// fixed order: snapshot, delete the current default, install the capture
// default, install the VPN prefix via the tunnel, install bypass host routes.
// A failure part-way leaves at most a missing default route; the caller must
// run Restore.
func (c *Controller) Takeover(ctx context.Context, spec TakeoverSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.captured {
		return fmt.Errorf("route takeover already performed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := snapshotDefault(c.handle)
	if err != nil {
		return err
	}

	c.captured = true
	c.original = current
	if spec.Original != nil {
		pinned := *spec.Original
		c.original = &pinned
	}
	if c.original != nil {
		c.logger.Info("original default route", zap.Stringer("route", *c.original))
	} else {
		c.logger.Info("no default route present before takeover")
	}
	if c.journal != nil {
		if err := c.journal.Original(c.original); err != nil {
			c.logger.Warn("journal: record original route", zap.Error(err))
		}
	}

	if current != nil {
		if err := deleteRoute(c.handle, *current); err != nil {
			return err
		}
		c.logger.Info("removed default route", zap.Stringer("route", *current))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	captureDefault := Route{Dst: DefaultPrefix, Gateway: spec.CaptureGateway, LinkIndex: spec.CaptureIndex}
	if err := c.installLocked(captureDefault); err != nil {
		return err
	}

	if err := c.installLocked(Route{Dst: spec.VPNPrefix.Masked(), LinkIndex: spec.TunnelIndex}); err != nil {
		return err
	}

	if len(spec.Bypass) > 0 {
		if c.original == nil {
			c.logger.Warn("no original default route; skipping bypass routes")
			return nil
		}
		for _, addr := range spec.Bypass {
			if !addr.Is4() || spec.VPNPrefix.Contains(addr) {
				continue
			}
			if err := c.installLocked(HostRoute(addr, c.original.Gateway, c.original.LinkIndex)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restore removes every installed route in reverse install order, then
// reinstalls the original default route if one was captured. Every step is
// attempted even when earlier ones fail; failures are logged and joined into
// the returned error for reporting only. Calling Restore again is a no-op.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.restored {
		return nil
	}
	c.restored = true

	var errs []error
	for i := len(c.installed) - 1; i >= 0; i-- {
		r := c.installed[i]
		if err := deleteRoute(c.handle, r); err != nil {
			c.logger.Warn("failed to remove route", zap.Stringer("route", r), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		c.logger.Info("route removed", zap.Stringer("route", r))
		if c.journal != nil {
			if err := c.journal.Removed(r); err != nil {
				c.logger.Warn("journal: record removed route", zap.Error(err))
			}
		}
	}
	c.installed = nil

	if c.original != nil {
		err := c.handle.RouteAdd(c.original.toNetlink())
		switch {
		case err == nil || errors.Is(err, unix.EEXIST):
			c.logger.Info("original default route restored", zap.Stringer("route", *c.original))
		default:
			c.logger.Error("failed to restore original default route", zap.Stringer("route", *c.original), zap.Error(err))
			errs = append(errs, &apperrors.RouteError{Op: "add", Route: c.original.String(), Err: err})
		}
	}

	if c.journal != nil {
		if err := c.journal.Restored(); err != nil {
			c.logger.Warn("journal: record restore", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
