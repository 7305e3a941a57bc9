// Package reroute runs a split-tunnel session: it takes over the default
// route with a capture device and forwards every captured IPv4 packet out of
// either the VPN tunnel or the physical uplink.
package reroute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"splitroute/internal/capture"
	"splitroute/internal/netif"
	"splitroute/internal/resolve"
	"splitroute/internal/route"
	apperrors "splitroute/pkg/errors"
)

// DefaultCaptureBase prefixes generated capture device names.
const DefaultCaptureBase = "srt"

// stopGrace bounds how long Stop waits for the capture loop to notice the
// closed device.
const stopGrace = 5 * time.Second

// active allows one server per process; two would fight over the default
// route.
var active atomic.Bool

// Options describes one session.
type Options struct {
	TunnelName   string
	PhysicalName string // optional; defaults to the original default route's link
	VPNPrefix    netip.Prefix

	CaptureBase    string
	CaptureAddress netip.Prefix
	MTU            int

	// OriginalDefault is the default route observed before the tunnel came
	// up. Nil means snapshot at startup.
	OriginalDefault *route.Route
	Bypass          []netip.Addr

	ARPTimeout  time.Duration
	ARPCacheTTL time.Duration // 0 disables the neighbour cache
}

// Server is the state of one running session.
type Server struct {
	opts   Options
	logger *zap.Logger

	dev      capture.Device
	routes   *route.Controller
	physical *path
	tunnel   *path

	state     atomic.Int32
	startedAt time.Time
	stats     *counters

	loopDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New enters the Starting state: it resolves both links, opens the capture
// device and the forwarding channels, then takes over the default route. On
// any failure everything already done is undone and a *StartupError is
// returned.
func New(ctx context.Context, opts Options, deps Deps) (srv *Server, err error) {
	if !active.CompareAndSwap(false, true) {
		return nil, apperrors.ErrAlreadyRunning
	}
	deps = deps.withDefaults(opts)
	if opts.CaptureBase == "" {
		opts.CaptureBase = DefaultCaptureBase
	}
	logger := deps.Logger

	s := &Server{
		opts:     opts,
		logger:   logger,
		routes:   route.NewController(deps.Routes, deps.Journal, logger),
		stats:    newCounters(),
		loopDone: make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))

	defer func() {
		if err == nil {
			return
		}
		s.teardown(context.WithoutCancel(ctx), false)
		active.Store(false)
	}()

	snapshot, err := deps.Lister.Interfaces()
	if err != nil {
		return nil, startupError(apperrors.StartupInterfaceNotFound, err)
	}

	tunnelLink, err := netif.ByName(snapshot, opts.TunnelName)
	if err != nil {
		return nil, startupError(apperrors.StartupInterfaceNotFound, err)
	}

	original := opts.OriginalDefault
	if original == nil {
		original, err = s.routes.SnapshotDefault(ctx)
		if err != nil {
			return nil, startupError(apperrors.StartupRouteInstall, err)
		}
	}

	physicalLink, err := pickPhysical(snapshot, opts.PhysicalName, original)
	if err != nil {
		return nil, startupError(apperrors.StartupInterfaceNotFound, err)
	}
	if physicalLink.Index == tunnelLink.Index {
		return nil, startupError(apperrors.StartupInterfaceNotFound,
			fmt.Errorf("%w: physical link %s is the tunnel", apperrors.ErrInterfaceNotFound, physicalLink.Name))
	}
	logger.Info("links resolved",
		zap.Stringer("physical", physicalLink),
		zap.Stringer("tunnel", tunnelLink))

	captureName, err := netif.GenerateFreeName(deps.Lister, opts.CaptureBase)
	if err != nil {
		return nil, startupError(apperrors.StartupDeviceOpenFailed, err)
	}
	s.dev, err = deps.OpenCapture(ctx, capture.Options{
		Name:    captureName,
		Address: opts.CaptureAddress,
		MTU:     opts.MTU,
	})
	if err != nil {
		return nil, startupError(apperrors.StartupDeviceOpenFailed, err)
	}

	var gateway netip.Addr
	if original != nil && original.LinkIndex == physicalLink.Index {
		gateway = original.Gateway
	}
	s.physical, err = openPath(TargetPhysical, physicalLink, gateway, deps)
	if err != nil {
		return nil, startupError(apperrors.StartupDeviceOpenFailed, err)
	}
	s.tunnel, err = openPath(TargetTunnel, tunnelLink, netip.Addr{}, deps)
	if err != nil {
		return nil, startupError(apperrors.StartupDeviceOpenFailed, err)
	}

	err = s.routes.Takeover(ctx, route.TakeoverSpec{
		CaptureIndex: s.dev.Index(),
		TunnelIndex:  tunnelLink.Index,
		VPNPrefix:    opts.VPNPrefix,
		Original:     original,
		Bypass:       opts.Bypass,
	})
	if err != nil {
		return nil, startupError(apperrors.StartupRouteInstall, err)
	}

	for _, r := range s.routes.Installed() {
		logger.Info("session route", zap.Stringer("route", r))
	}
	s.startedAt = time.Now()
	return s, nil
}

func startupError(kind apperrors.StartupKind, err error) error {
	return &apperrors.StartupError{Kind: kind, Err: err}
}

func pickPhysical(snapshot []netif.Interface, name string, original *route.Route) (netif.Interface, error) {
	if name != "" {
		return netif.ByName(snapshot, name)
	}
	if original != nil {
		return netif.ByIndex(snapshot, original.LinkIndex)
	}
	if iface, ok := netif.DefaultInterface(snapshot); ok {
		return iface, nil
	}
	return netif.Interface{}, fmt.Errorf("%w: no usable physical link", apperrors.ErrInterfaceNotFound)
}

// State returns the current lifecycle phase.
func (s *Server) State() State { return State(s.state.Load()) }

// CaptureName returns the capture device's name.
func (s *Server) CaptureName() string { return s.dev.Name() }

// Original returns the default route that Stop will restore.
func (s *Server) Original() *route.Route { return s.routes.Original() }

// Classify picks the link for dst.
func (s *Server) Classify(dst netip.Addr) Target {
	return Classify(s.opts.VPNPrefix, dst)
}

// Run is the capture loop. Packets are handled strictly in receive order and
// per-packet failures never end the loop. It returns nil once ctx is
// cancelled or the server is stopped.
func (s *Server) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		return fmt.Errorf("cannot run server in state %s", s.State())
	}
	defer close(s.loopDone)

	s.logger.Info("capture loop running",
		zap.String("capture", s.dev.Name()),
		zap.Stringer("vpn", s.opts.VPNPrefix))

	buf := make([]byte, capture.MaxPacketSize)
	for {
		n, err := s.dev.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrClosed) {
				return nil
			}
			return fmt.Errorf("capture device %s: %w", s.dev.Name(), err)
		}
		s.handle(ctx, buf[:n])
	}
}

func (s *Server) handle(ctx context.Context, pkt []byte) {
	s.stats.received.Add(1)

	if len(pkt) < 20 {
		s.stats.drop(apperrors.ReasonTooShort)
		return
	}
	if pkt[0]>>4 != 4 {
		s.drop(apperrors.ReasonNotIPv4, "", "", apperrors.ErrNotIPv4)
		return
	}

	dst := netip.AddrFrom4([4]byte(pkt[16:20]))
	target := s.Classify(dst)
	p := s.physical
	if target == TargetTunnel {
		p = s.tunnel
	}

	var mac net.HardwareAddr
	if p.tx.NeedsResolution() {
		hop := p.nextHop(dst)
		var err error
		mac, err = p.resolver.Resolve(ctx, hop)
		if err != nil {
			reason := apperrors.ReasonResolutionFailed
			if errors.Is(err, apperrors.ErrResolutionTimeout) {
				reason = apperrors.ReasonResolutionTimeout
			}
			s.drop(reason, p.link.Name, dst.String(), err)
			return
		}
	}

	if err := p.tx.Forward(pkt, mac); err != nil {
		reason := apperrors.ReasonTransmitFailed
		switch {
		case errors.Is(err, apperrors.ErrPacketTooLarge):
			reason = apperrors.ReasonTooLarge
		case errors.Is(err, apperrors.ErrPacketTooShort):
			reason = apperrors.ReasonTooShort
		}
		s.drop(reason, p.link.Name, dst.String(), err)
		return
	}
	s.stats.forwarded(target)
}

func (s *Server) drop(reason apperrors.PacketReason, link, dest string, err error) {
	s.stats.drop(reason)
	var pe *apperrors.PacketError
	if !errors.As(err, &pe) {
		err = &apperrors.PacketError{Reason: reason, Link: link, Dest: dest, Err: err}
	}
	s.logger.Debug("packet dropped", zap.Error(err))
}

// Stop restores the routing table and releases every resource. Teardown runs
// exactly once and cannot be cancelled; later calls return the first result.
// The returned error is for reporting only.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateStopping)))
		s.logger.Info("stopping session")

		s.stopErr = s.teardown(context.WithoutCancel(ctx), prev == StateRunning)
		s.state.Store(int32(StateStopped))
		active.Store(false)

		if s.stopErr != nil {
			s.logger.Warn("session stopped with errors", zap.Error(s.stopErr))
		} else {
			s.logger.Info("session stopped")
		}
	})
	return s.stopErr
}

// teardown restores routes first, while the capture device still exists, and
// then closes devices and channels.
func (s *Server) teardown(ctx context.Context, waitLoop bool) error {
	errs := []error{s.routes.Restore(ctx)}

	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture device: %w", err))
		}
		if waitLoop {
			select {
			case <-s.loopDone:
			case <-time.After(stopGrace):
				s.logger.Warn("capture loop did not exit in time")
			}
		}
	}
	for _, p := range []*path{s.physical, s.tunnel} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	st := Stats{
		State:     s.State(),
		StartedAt: s.startedAt,
		VPNPrefix: s.opts.VPNPrefix,
	}
	if s.dev != nil {
		st.Capture = s.dev.Name()
	}
	if s.physical != nil {
		st.Physical = s.physical.link.Name
	}
	if s.tunnel != nil {
		st.Tunnel = s.tunnel.link.Name
	}
	s.stats.fill(&st)
	return st
}

// path is everything needed to send out of one link.
type path struct {
	target   Target
	link     netif.Interface
	gateway  netip.Addr
	tx       Sender
	resolver resolve.Resolver
	closers  []io.Closer
}

func openPath(target Target, link netif.Interface, gateway netip.Addr, deps Deps) (*path, error) {
	tx, err := deps.OpenLink(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %s link %s: %w", apperrors.ErrDeviceOpenFailed, target, link.Name, err)
	}
	p := &path{target: target, link: link, gateway: gateway, tx: tx, closers: []io.Closer{tx}}
	if !tx.NeedsResolution() {
		return p, nil
	}

	r, closer, err := deps.OpenResolver(link)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: resolver on %s: %w", apperrors.ErrDeviceOpenFailed, link.Name, err)
	}
	p.resolver = r
	if closer != nil {
		p.closers = append(p.closers, closer)
	}
	return p, nil
}

// nextHop is dst itself when it sits on one of the link's subnets or no
// gateway is known, otherwise the gateway.
func (p *path) nextHop(dst netip.Addr) netip.Addr {
	if p.gateway.IsValid() && !p.link.OnLink(dst) {
		return p.gateway
	}
	return dst
}

func (p *path) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s path: %w", p.target, err))
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
