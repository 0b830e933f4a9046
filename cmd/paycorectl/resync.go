package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iurnickita/paycore/internal/app"
)

func resyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Stuck payment resync",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run one resync pass now; no-op while another pass holds the lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if !report.Ran {
					fmt.Fprintln(cmd.OutOrStdout(), "another resync run is active, nothing done")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "selected %d, applied %d, unchanged %d, skipped %d, expired %d, recovered %d\n",
					report.Selected, report.Applied, report.Unchanged, report.Skipped, report.Expired, report.Recovered)
				if report.TimedOut {
					fmt.Fprintln(cmd.OutOrStdout(), "stopped at lease deadline, the rest is left to the next run")
				}
				return nil
			})
		},
	})
	return cmd
}
