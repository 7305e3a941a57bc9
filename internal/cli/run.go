package cli

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"splitroute/internal/app"
	"splitroute/internal/config"
	"splitroute/internal/credential"
	"splitroute/internal/dns"
	"splitroute/internal/netif"
	"splitroute/internal/reroute"
	"splitroute/internal/route"
	"splitroute/internal/storage"
	"splitroute/internal/storage/models"
	"splitroute/internal/tui"
	"splitroute/internal/tunnel"
	apperrors "splitroute/pkg/errors"
)

// Settings written after every run.
const (
	settingLastTunnel = "last_tunnel"
	settingLastServer = "last_server"
)

const statsLogInterval = time.Minute

var (
	errMonitorClosed = errors.New("monitor closed")
	errTunnelLost    = errors.New("tunnel process exited")
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up the VPN tunnel and route traffic through it",
	Long: `Start openconnect, take over the default route and forward packets until
interrupted. Traffic for the configured VPN network goes through the tunnel;
everything else keeps using the physical link.

With --tunnel an existing tunnel interface is used and openconnect is not
started.`,
	Annotations: map[string]string{fileLogAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := reroute.CheckPrivileges(); err != nil {
			return err
		}

		cfg, err := loadOrCaptureConfig()
		if err != nil {
			return err
		}
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			cfg.Server = server
		}
		tunnelName, _ := cmd.Flags().GetString("tunnel")
		physical, _ := cmd.Flags().GetString("physical")
		monitor, _ := cmd.Flags().GetBool("tui")

		return runSession(ctx, cfg, runFlags{tunnel: tunnelName, physical: physical, monitor: monitor})
	},
}

type runFlags struct {
	tunnel   string
	physical string
	monitor  bool
}

func runSession(ctx context.Context, cfg *config.Config, flags runFlags) error {
	logger := appInstance.Logger
	store := appInstance.Storage

	handle, err := route.NewSystemHandle()
	if err != nil {
		return err
	}
	defer handle.Close()

	if n, err := app.RecoverStale(ctx, store, handle, logger); err != nil {
		logger.Warn("crash recovery incomplete", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered routes from crashed sessions", zap.Int("sessions", n))
	}

	// The tunnel tooling may replace the default route, so the original is
	// pinned before it starts.
	original, err := route.NewController(handle, nil, logger).SnapshotDefault(ctx)
	if err != nil {
		return err
	}
	if original != nil {
		logger.Info("original default route", zap.Stringer("route", original))
	}

	var (
		bypass []netip.Addr
		sess   *tunnel.Session
	)
	tunnelName := flags.tunnel
	if tunnelName == "" {
		sess, bypass, err = startTunnel(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sess.Close()
		tunnelName = sess.Interface().Name
	}

	journal, err := app.BeginJournal(ctx, store, &models.Session{
		TunnelIf:  tunnelName,
		VPNPrefix: cfg.VPNPrefix().String(),
		Server:    cfg.Server,
		PID:       os.Getpid(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}

	srv, err := reroute.New(ctx, reroute.Options{
		TunnelName:      tunnelName,
		PhysicalName:    flags.physical,
		VPNPrefix:       cfg.VPNPrefix(),
		CaptureAddress:  cfg.CaptureAddress,
		MTU:             cfg.MTU,
		OriginalDefault: original,
		Bypass:          bypass,
		ARPTimeout:      cfg.ARPTimeout,
		ARPCacheTTL:     cfg.ARPCacheTTL,
	}, reroute.Deps{
		Routes:  handle,
		Journal: journal,
		Logger:  logger,
	})
	if err != nil {
		_ = journal.End(context.Background(), models.SessionFailed)
		return err
	}
	stats := srv.Stats()
	if err := journal.Describe(ctx, stats.Capture, stats.Physical); err != nil {
		logger.Warn("failed to update session journal", zap.Error(err))
	}

	// Stop must run even if something below panics.
	defer srv.Stop(context.Background())

	scheduler, err := startStatsLog(srv, logger)
	if err != nil {
		logger.Warn("periodic stats disabled", zap.Error(err))
	} else {
		defer scheduler.Shutdown()
	}

	fmt.Fprintf(os.Stderr, "Routing %s via %s, everything else via %s. Press Ctrl+C to stop.\n",
		cfg.VPNPrefix(), tunnelName, stats.Physical)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if sess != nil {
		g.Go(func() error {
			select {
			case <-sess.Done():
				return fmt.Errorf("%w: %v", errTunnelLost, sess.Err())
			case <-gctx.Done():
				return nil
			}
		})
	}
	if flags.monitor {
		g.Go(func() error {
			if err := tui.Run(gctx, tui.Deps{Stats: srv.Stats, Storage: store}); err != nil {
				return err
			}
			return errMonitorClosed
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, errMonitorClosed) {
		runErr = nil
	}

	stopErr := srv.Stop(context.Background())
	final := srv.Stats()
	logger.Info("session finished",
		zap.Uint64("received", final.Received),
		zap.Uint64("tunnel", final.Forwarded[reroute.TargetTunnel]),
		zap.Uint64("physical", final.Forwarded[reroute.TargetPhysical]),
		zap.Uint64("dropped", final.TotalDropped()))

	if stopErr != nil {
		// Leave the journal open so the next run or "recover" retries.
		logger.Error("routing table not fully restored; run \"splitroute recover\"", zap.Error(stopErr))
	} else if err := journal.End(context.Background(), models.SessionClean); err != nil {
		logger.Warn("failed to close session journal", zap.Error(err))
	}

	saveLastSession(store, tunnelName, cfg.Server, logger)
	return runErr
}

// startTunnel resolves the password, resolves the server for the bypass
// route and brings the tunnel up. The password is saved to the keyring only
// once it has been accepted.
func startTunnel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*tunnel.Session, []netip.Addr, error) {
	if cfg.Server == "" {
		return nil, nil, fmt.Errorf("no VPN server configured; pass --server or set \"server\" in the config")
	}

	store := credential.NewKeyring()
	password, fromStore, err := credential.Lookup(cfg.Password, store, cfg.Username)
	if err != nil {
		if !errors.Is(err, apperrors.ErrCredentialNotFound) {
			logger.Warn("keyring unavailable", zap.Error(err))
		}
		password, err = credential.Prompt(os.Stderr, os.Stdin, fmt.Sprintf("Password for %s@%s: ", cfg.Username, cfg.Server))
		if err != nil {
			return nil, nil, err
		}
	}

	bypass, err := dns.ResolveServer(ctx, cfg.Server, cfg.DNSServer)
	if err != nil {
		logger.Warn("could not resolve VPN server; its traffic will loop through the capture device", zap.Error(err))
	}

	sess, err := tunnel.Start(ctx, tunnel.Options{
		Binary:     cfg.OpenConnectPath,
		Server:     cfg.Server,
		Username:   cfg.Username,
		Password:   password,
		Protocol:   cfg.Protocol,
		ServerCert: cfg.ServerCert,
	}, netif.System{}, logger)
	if err != nil {
		return nil, nil, &apperrors.StartupError{Kind: apperrors.StartupTunnel, Err: err}
	}

	if cfg.Password == "" && !fromStore {
		if err := store.Set(cfg.Username, password); err != nil {
			logger.Warn("failed to save password to keyring", zap.Error(err))
		}
	}
	return sess, bypass, nil
}

func startStatsLog(srv *reroute.Server, logger *zap.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(
		gocron.DurationJob(statsLogInterval),
		gocron.NewTask(func() {
			st := srv.Stats()
			logger.Info("traffic",
				zap.Uint64("received", st.Received),
				zap.Uint64("tunnel", st.Forwarded[reroute.TargetTunnel]),
				zap.Uint64("physical", st.Forwarded[reroute.TargetPhysical]),
				zap.Uint64("dropped", st.TotalDropped()))
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.Start()
	return s, nil
}

func saveLastSession(store storage.Storage, tunnelName, server string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SetSetting(ctx, settingLastTunnel, tunnelName); err != nil {
		logger.Debug("failed to save setting", zap.String("key", settingLastTunnel), zap.Error(err))
	}
	if server == "" {
		return
	}
	if err := store.SetSetting(ctx, settingLastServer, server); err != nil {
		logger.Debug("failed to save setting", zap.String("key", settingLastServer), zap.Error(err))
	}
}

func init() {
	runCmd.Flags().StringP("server", "s", "", "VPN server (overrides the config)")
	runCmd.Flags().StringP("tunnel", "t", "", "use an existing tunnel interface instead of starting openconnect")
	runCmd.Flags().String("physical", "", "physical interface (default: the default route's link)")
	runCmd.Flags().Bool("tui", false, "show the live monitor")

	_ = runCmd.RegisterFlagCompletionFunc("tunnel", completeInterfaceNames)
	_ = runCmd.RegisterFlagCompletionFunc("physical", completeInterfaceNames)

	rootCmd.AddCommand(runCmd)
}
