// Package tunnel runs openconnect as a child process and waits until it has
// both established the VPN session and created its tunnel interface.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"splitroute/internal/netif"
	"splitroute/internal/paths"
	apperrors "splitroute/pkg/errors"
)

const (
	DefaultBinary        = "openconnect"
	DefaultProtocol      = "pulse"
	DefaultInterfaceBase = "utun"
	DefaultSuccessMarker = "ESP session established"
	DefaultTimeout       = 30 * time.Second

	interfacePollInterval = 200 * time.Millisecond
	interfacePollTimeout  = 10 * time.Second
	stopTimeout           = 5 * time.Second
	pipeWaitDelay         = 2 * time.Second
)

// Options configures the openconnect child.
type Options struct {
	Binary        string // path or name; empty searches the usual locations
	Server        string
	Username      string
	Password      string
	Protocol      string
	InterfaceBase string
	ServerCert    string // --servercert pin, optional
	ExtraArgs     []string
	Timeout       time.Duration
	SuccessMarker string
}

func (o Options) withDefaults() Options {
	if o.Protocol == "" {
		o.Protocol = DefaultProtocol
	}
	if o.InterfaceBase == "" {
		o.InterfaceBase = DefaultInterfaceBase
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.SuccessMarker == "" {
		o.SuccessMarker = DefaultSuccessMarker
	}
	return o
}

// Args returns the openconnect command line for an interface name.
func (o Options) Args(ifname string) []string {
	o = o.withDefaults()
	args := []string{
		"--protocol=" + o.Protocol,
		"--user=" + o.Username,
		"--passwd-on-stdin",
		"--interface=" + ifname,
	}
	if o.ServerCert != "" {
		args = append(args, "--servercert="+o.ServerCert)
	}
	args = append(args, o.ExtraArgs...)
	return append(args, o.Server)
}

// Session is a running openconnect process.
type Session struct {
	cmd    *exec.Cmd
	iface  netif.Interface
	logger *zap.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Start launches openconnect and blocks until the session is established and
// its tunnel interface exists. On failure the child is stopped before
// returning.
func Start(ctx context.Context, opts Options, lister netif.Lister, logger *zap.Logger) (*Session, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	fail := func(err error) error {
		return &apperrors.TunnelError{Server: opts.Server, Err: err}
	}

	binary, err := FindBinary(opts.Binary)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %w", apperrors.ErrTunnelEstablishFailed, err))
	}

	before, err := lister.Interfaces()
	if err != nil {
		return nil, fail(fmt.Errorf("failed to list interfaces: %w", err))
	}
	ifname, err := netif.GenerateFreeName(lister, opts.InterfaceBase)
	if err != nil {
		return nil, fail(err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	cmd := exec.Command(binary, opts.Args(ifname)...)
	cmd.Stdin = strings.NewReader(opts.Password + "\n")
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = pipeWaitDelay
	// Own process group so a terminal Ctrl-C reaches us first and the
	// tunnel stays up until routes are restored.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log := logger.With(zap.String("server", opts.Server), zap.String("interface", ifname))
	log.Info("starting openconnect", zap.String("binary", binary), zap.String("protocol", opts.Protocol))

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, fail(fmt.Errorf("%w: %w", apperrors.ErrTunnelEstablishFailed, err))
	}

	s := &Session{
		cmd:    cmd,
		logger: log,
		done:   make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		outW.Close()
		errW.Close()
		log.Info("openconnect exited", zap.Error(s.waitErr))
		close(s.done)
	}()

	go drainLines(errR, func(line string) { log.Debug("openconnect stderr", zap.String("line", line)) })
	established := watchOutput(outR, opts.SuccessMarker, func(line string) {
		log.Debug("openconnect", zap.String("line", line))
	})

	if err := s.awaitEstablished(ctx, established, opts.Timeout); err != nil {
		s.Close()
		return nil, fail(err)
	}
	log.Info("vpn session established")

	iface, err := waitForInterface(ctx, lister, before, opts.InterfaceBase, interfacePollInterval, interfacePollTimeout, s.done)
	if err != nil {
		s.Close()
		return nil, fail(err)
	}
	s.iface = iface
	log.Info("tunnel interface is up", zap.String("tunnel", iface.Name), zap.Int("index", iface.Index))
	return s, nil
}

func (s *Session) awaitEstablished(ctx context.Context, established <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-established:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %v", apperrors.ErrTunnelEstablishFailed, s.waitErr)
	case <-timer.C:
		return fmt.Errorf("%w after %s", apperrors.ErrTunnelTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interface is the tunnel interface openconnect created.
func (s *Session) Interface() netif.Interface { return s.iface }

// Done is closed when the openconnect process exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the process exit error once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.waitErr
	default:
		return nil
	}
}

// Close interrupts openconnect so it can say goodbye to the server, and kills
// it if it has not exited within a few seconds.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			s.logger.Debug("interrupt failed, killing openconnect", zap.Error(err))
			_ = s.cmd.Process.Kill()
		}

		select {
		case <-s.done:
		case <-time.After(stopTimeout):
			s.logger.Warn("openconnect did not exit, killing it")
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	})
	return nil
}

// watchOutput logs every line from r and closes the returned channel the
// first time a line contains marker. It keeps reading until r is exhausted so
// the child never blocks on a full pipe.
func watchOutput(r io.Reader, marker string, logLine func(string)) <-chan struct{} {
	found := make(chan struct{})
	go func() {
		seen := false
		drainLines(r, func(line string) {
			logLine(line)
			if !seen && strings.Contains(line, marker) {
				seen = true
				close(found)
			}
		})
	}()
	return found
}

func drainLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fn(sc.Text())
	}
	// Keep the writer unblocked if the scanner gave up on a long line.
	_, _ = io.Copy(io.Discard, r)
}

// waitForInterface polls until an interface with prefix appears that was not
// in before.
func waitForInterface(ctx context.Context, lister netif.Lister, before []netif.Interface, prefix string, interval, timeout time.Duration, exited <-chan struct{}) (netif.Interface, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		after, err := lister.Interfaces()
		if err != nil {
			return netif.Interface{}, fmt.Errorf("failed to list interfaces: %w", err)
		}
		if added := netif.NewNames(before, after, prefix); len(added) > 0 {
			return added[0], nil
		}

		select {
		case <-ticker.C:
		case <-exited:
			return netif.Interface{}, fmt.Errorf("%w: exited before creating an interface", apperrors.ErrTunnelEstablishFailed)
		case <-deadline.C:
			return netif.Interface{}, fmt.Errorf("%w: no new %s* interface after %s", apperrors.ErrTunnelTimeout, prefix, timeout)
		case <-ctx.Done():
			return netif.Interface{}, ctx.Err()
		}
	}
}

// FindBinary resolves the openconnect executable. An explicit path is used
// as-is; otherwise PATH and the common install locations are searched.
func FindBinary(binary string) (string, error) {
	if binary != "" {
		return exec.LookPath(binary)
	}

	locations := []string{
		DefaultBinary,
		"/usr/sbin/openconnect",
		"/usr/local/sbin/openconnect",
		"/usr/bin/openconnect",
		"/usr/local/bin/openconnect",
	}
	if homeDir, err := paths.HomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, ".local", "bin", DefaultBinary))
	}

	for _, loc := range locations {
		if path, err := exec.LookPath(loc); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("openconnect binary not found in any common location")
}
