package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"splitroute/internal/storage/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sessions from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		limit, _ := cmd.Flags().GetInt("limit")
		showRoutes, _ := cmd.Flags().GetBool("routes")

		sessions, err := appInstance.Storage.RecentSessions(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}

		printSessions(os.Stdout, sessions, time.Now())

		if showRoutes {
			for _, s := range sessions {
				if !s.Open() {
					continue
				}
				routes, err := appInstance.Storage.SessionRoutes(ctx, s.ID)
				if err != nil {
					return err
				}
				fmt.Printf("\nSession %d routes:\n", s.ID)
				printRoutes(os.Stdout, routes)
			}
		}

		if settings, err := appInstance.Storage.GetAllSettings(ctx); err == nil {
			if v := settings[settingLastServer]; v != "" {
				fmt.Printf("\nLast server: %s\n", v)
			}
			if v := settings[settingLastTunnel]; v != "" {
				fmt.Printf("Last tunnel: %s\n", v)
			}
		}
		return nil
	},
}

func printSessions(out io.Writer, sessions []*models.Session, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSTATE\tVPN\tTUNNEL\tCAPTURE\tPHYSICAL\tPID")
	fmt.Fprintln(w, "--\t-------\t--------\t-----\t---\t------\t-------\t--------\t---")
	for _, s := range sessions {
		end := now
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			end.Sub(s.StartedAt).Round(time.Second),
			s.State, dash(s.VPNPrefix), dash(s.TunnelIf), dash(s.CaptureIf), dash(s.PhysicalIf), s.PID)
	}
	w.Flush()
}

func printRoutes(out io.Writer, routes []*models.SessionRoute) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tDST\tGATEWAY\tLINK\tREMOVED")
	for _, r := range routes {
		removed := "no"
		if r.Removed {
			removed = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", r.Seq, r.Kind, r.Dst, dash(r.Gateway), r.LinkIndex, removed)
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "number of sessions to show")
	statusCmd.Flags().Bool("routes", false, "list the journaled routes of unfinished sessions")
	rootCmd.AddCommand(statusCmd)
}
