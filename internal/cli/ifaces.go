package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"splitroute/internal/netif"
)

var ifacesCmd = &cobra.Command{
	Use:   "ifaces",
	Short: "List network interfaces",
	Long: `Print a snapshot of the network interfaces splitroute can see. With
--free, print the first unused name for a base instead.`,
	// No app context needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		lister := netif.System{}

		if base, _ := cmd.Flags().GetString("free"); base != "" {
			name, err := netif.GenerateFreeName(lister, base)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		}

		snapshot, err := netif.Snapshot(lister)
		if err != nil {
			return err
		}
		printInterfaces(os.Stdout, snapshot)
		return nil
	},
}

func printInterfaces(out io.Writer, snapshot []netif.Interface) {
	def, hasDef := netif.DefaultInterface(snapshot)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tMAC\tFLAGS\tADDRESSES")
	for _, i := range snapshot {
		mac := "-"
		if len(i.HardwareAddr) > 0 {
			mac = i.HardwareAddr.String()
		}
		var addrs []string
		for _, p := range i.Prefixes {
			addrs = append(addrs, p.String())
		}
		name := i.Name
		if hasDef && i.Index == def.Index {
			name += " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i.Index, name, mac, i.Flags, dash(strings.Join(addrs, ",")))
	}
	w.Flush()
}

func init() {
	ifacesCmd.Flags().String("free", "", "print the first free name for this base (e.g. utun)")
	rootCmd.AddCommand(ifacesCmd)
}
