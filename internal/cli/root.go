package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"splitroute/internal/app"
	"splitroute/internal/config"
)

var (
	appInstance *app.App
	version     = "dev"
)

// fileLogAnnotation marks commands whose logs are also written to the log file.
const fileLogAnnotation = "splitroute/file-log"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "splitroute",
	Short: "Split-tunnel router for Linux VPN sessions",
	Long: `splitroute sends traffic for the VPN network through the tunnel and
everything else through the physical link.

  It captures all IPv4 traffic on a virtual device that becomes the default
  route, classifies each packet, and forwards it on the right link. The
  routing table is restored on exit, and after a crash by "splitroute recover".

  Quick start:
    sudo splitroute config init
    sudo splitroute run --server vpn.example.com
    sudo splitroute run --tunnel tun0      # reuse a tunnel that is already up`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opts, err := appOptions(cmd)
		if err != nil {
			return err
		}
		appInstance, err = app.New(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			return appInstance.Close()
		}
		return nil
	},
}

// appOptions builds app options from the global flags. The log level comes
// from --log-level when given, then from the config file.
func appOptions(cmd *cobra.Command) (app.Options, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dbPath, _ := cmd.Flags().GetString("db")
	level, _ := cmd.Flags().GetString("log-level")

	if !cmd.Flags().Changed("log-level") {
		path := configPath
		if path == "" {
			path, _ = config.DefaultPath()
		}
		if cfg, err := config.Load(path); err == nil && cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
	}

	opts := app.Options{ConfigPath: configPath, DBPath: dbPath, LogLevel: level}
	if monitor, _ := cmd.Flags().GetBool("tui"); monitor {
		opts.Quiet = true
	}
	if cmd.Annotations[fileLogAnnotation] == "true" {
		logFile, err := app.DefaultLogFile()
		if err != nil {
			return opts, err
		}
		opts.LogFile = logFile
	}
	return opts, nil
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (.json or .toml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "journal database path")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// No app context needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("splitroute %s\n", version)
	},
}
