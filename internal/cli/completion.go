package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"splitroute/internal/netif"
)

// completeInterfaceNames provides shell completion for interface flags.
func completeInterfaceNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	snapshot, err := netif.Snapshot(netif.System{})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, i := range snapshot {
		if i.IsLoopback() {
			continue
		}
		if strings.HasPrefix(i.Name, toComplete) {
			completions = append(completions, i.Name)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}
