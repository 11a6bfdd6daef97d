package cmd

import (
	"fmt"
	"text/tabwriter"

	"rsvp-system/config"

	"github.com/pocketbase/pocketbase"
	"github.com/spf13/cobra"
)

func registerCommands(app *pocketbase.PocketBase, cfg *config.Config, getEngine func() (*engine, error)) {
	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "capacity <eventId>",
		Short: "Print live capacity for every session of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := getEngine()
			if err != nil {
				return err
			}

			snapshots, err := eng.reporter.LiveCapacity(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTITLE\tCAPACITY\tCONFIRMED\tWAITLISTED\tAVAILABLE\tOCCUPANCY\tSTATUS")
			for _, s := range snapshots {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d%%\t%s\n",
					s.SessionID, s.Title, s.Capacity, s.Confirmed, s.Waitlisted, s.Available, s.OccupancyRate, s.Status)
			}
			return w.Flush()
		},
	})

	app.RootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile <eventId>",
		Short: "Rebuild counters and waitlist positions for every session of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := getEngine()
			if err != nil {
				return err
			}

			reports, err := eng.admission.ReconcileEvent(cmd.Context(), args[0], cfg.ReconcileConcurrency)
			out := cmd.OutOrStdout()
			for _, r := range reports {
				if r.SessionID == "" {
					continue
				}
				if !r.Changed() {
					fmt.Fprintf(out, "%s: ok\n", r.SessionID)
					continue
				}
				fmt.Fprintf(out, "%s: confirmed %d -> %d, waitlisted %d -> %d, renumbered %d, promoted %d\n",
					r.SessionID, r.ConfirmedBefore, r.ConfirmedAfter, r.WaitlistBefore, r.WaitlistAfter,
					r.Renumbered, len(r.Promoted))
			}
			return err
		},
	})
}
