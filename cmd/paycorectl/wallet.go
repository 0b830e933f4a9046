package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iurnickita/paycore/internal/app"
)

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "history [owner]",
		Short: "Show balance and ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				wallet, err := a.Wallet.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := a.Wallet.History(ctx, args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "balance\t%d\n", wallet.Balance)
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						e.Timestamp.Format(time.RFC3339), e.Direction, e.Amount, e.Balance, e.Reason)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "audit [owner]",
		Short: "Check that the balance equals the running sum of ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Wallet.Audit(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wallet %s: ledger consistent\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Gateway notification audit trail",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "events [transaction-id]",
		Short: "List notifications received for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Store.WebhookEventListByTxn(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RECEIVED\tOUTCOME\tSIGNATURE\tPAYMENT\tERROR")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
						e.ReceivedAt.Format(time.RFC3339), e.Outcome, e.SignatureValid, e.Payment, e.Error)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}
