package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"splitroute/internal/config"
	apperrors "splitroute/pkg/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the splitroute configuration",
	Long:  "Show, create and locate the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := appInstance.LoadConfig()
		if err != nil {
			return err
		}
		printConfig(os.Stdout, cfg)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configuration interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := appInstance.ConfigPath()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}

		cfg, err := captureConfig(os.Stdin, os.Stdout, path)
		if err != nil {
			return err
		}
		fmt.Printf("\nConfig written to %s\n\n", path)
		printConfig(os.Stdout, cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := appInstance.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// loadOrCaptureConfig loads the config, asking for it on the terminal when
// no file exists yet.
func loadOrCaptureConfig() (*config.Config, error) {
	cfg, err := appInstance.LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, apperrors.ErrConfigNotFound) {
		return nil, err
	}

	path, perr := appInstance.ConfigPath()
	if perr != nil {
		return nil, perr
	}
	fmt.Fprintf(os.Stderr, "No config found at %s, let's create one.\n", path)
	return captureConfig(os.Stdin, os.Stderr, path)
}

// captureConfig prompts for the required fields, fills in defaults for
// everything else and saves the result to path.
func captureConfig(in io.Reader, out io.Writer, path string) (*config.Config, error) {
	r := bufio.NewReader(in)
	cfg := config.Default()

	var err error
	if cfg.Username, err = ask(r, out, "Username", ""); err != nil {
		return nil, err
	}
	if cfg.Server, err = ask(r, out, "VPN server", ""); err != nil {
		return nil, err
	}

	network, err := ask(r, out, "VPN network", cfg.VPNNetwork.String())
	if err != nil {
		return nil, err
	}
	if cfg.VPNNetwork, err = netip.ParseAddr(network); err != nil {
		return nil, &apperrors.ConfigError{Field: "vpn_network", Err: fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)}
	}

	mask, err := ask(r, out, "VPN mask", cfg.VPNMask.String())
	if err != nil {
		return nil, err
	}
	if cfg.VPNMask, err = netip.ParseAddr(mask); err != nil {
		return nil, &apperrors.ConfigError{Field: "vpn_mask", Err: fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ask prints a prompt and returns the trimmed answer, or def when the answer
// is empty.
func ask(r *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line != "" {
		return line, nil
	}
	if err != nil && def == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), io.ErrUnexpectedEOF)
	}
	return def, nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	password := "(keyring)"
	if cfg.Password != "" {
		password = "(set in file)"
	}
	server := cfg.Server
	if server == "" {
		server = "-"
	}
	dnsServer := "system"
	if cfg.DNSServer.IsValid() {
		dnsServer = cfg.DNSServer.String()
	}
	arpCache := cfg.ARPCacheTTL.String()
	if cfg.ARPCacheTTL == 0 {
		arpCache = "off"
	}

	fmt.Fprintf(w, "Username:     %s\n", cfg.Username)
	fmt.Fprintf(w, "Password:     %s\n", password)
	fmt.Fprintf(w, "Server:       %s\n", server)
	fmt.Fprintf(w, "Protocol:     %s\n", cfg.Protocol)
	fmt.Fprintf(w, "VPN network:  %s (%s/%s)\n", cfg.VPNPrefix(), cfg.VPNNetwork, cfg.VPNMask)
	fmt.Fprintf(w, "Capture addr: %s\n", cfg.CaptureAddress)
	fmt.Fprintf(w, "MTU:          %d\n", cfg.MTU)
	fmt.Fprintf(w, "DNS server:   %s\n", dnsServer)
	fmt.Fprintf(w, "ARP timeout:  %s\n", cfg.ARPTimeout)
	fmt.Fprintf(w, "ARP cache:    %s\n", arpCache)
	if cfg.ServerCert != "" {
		fmt.Fprintf(w, "Server cert:  %s\n", cfg.ServerCert)
	}
	if cfg.OpenConnectPath != "" {
		fmt.Fprintf(w, "openconnect:  %s\n", cfg.OpenConnectPath)
	}
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing config")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
