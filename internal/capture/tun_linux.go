package capture

import (
	"context"
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	apperrors "splitroute/pkg/errors"
)

// Open creates a TUN device, assigns its address and MTU and brings it up.
// The returned device's Index is valid as soon as Open returns, so routes can
// be pointed at it.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = opts.Name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", apperrors.ErrDeviceOpenFailed, opts.Name, err)
	}

	index, err := configureLink(ifce.Name(), opts)
	if err != nil {
		ifce.Close()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDeviceOpenFailed, err)
	}

	logger.Info("capture device ready",
		zap.String("name", ifce.Name()),
		zap.Int("index", index),
		zap.Stringer("address", opts.Address),
		zap.Int("mtu", opts.MTU))

	return newStream(ifce, ifce.Name(), index), nil
}

func configureLink(name string, opts Options) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, opts.MTU); err != nil {
		return 0, fmt.Errorf("set mtu on %s: %w", name, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(opts.Address.Addr().AsSlice()),
		Mask: net.CIDRMask(opts.Address.Bits(), 32),
	}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return 0, fmt.Errorf("assign %s to %s: %w", opts.Address, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return 0, fmt.Errorf("bring up %s: %w", name, err)
	}
	return link.Attrs().Index, nil
}
