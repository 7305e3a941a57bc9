package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"splitroute/internal/app"
	"splitroute/internal/reroute"
	"splitroute/internal/route"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore routes left behind by a crashed session",
	Long: `Undo the route changes of every journaled session that never finished:
installed routes are removed in reverse order and the original default route
is put back. Sessions whose process is still running are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := reroute.CheckPrivileges(); err != nil {
			return err
		}

		handle, err := route.NewSystemHandle()
		if err != nil {
			return err
		}
		defer handle.Close()

		n, err := app.RecoverStale(context.Background(), appInstance.Storage, handle, appInstance.Logger)
		if n > 0 {
			fmt.Printf("Recovered %d session(s).\n", n)
		}
		if err != nil {
			return fmt.Errorf("recovery incomplete: %w", err)
		}
		if n == 0 {
			fmt.Println("Nothing to recover.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
