package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iurnickita/paycore/internal/app"
	"github.com/iurnickita/paycore/internal/model"
)

func stockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Redeem code stock",
	}
	cmd.AddCommand(stockLoadCmd())
	cmd.AddCommand(stockListCmd(false))
	cmd.AddCommand(stockListCmd(true))
	return cmd
}

func stockLoadCmd() *cobra.Command {
	var d model.Denomination

	cmd := &cobra.Command{
		Use:   "load [denomination] [file]",
		Short: "Load redeem codes, one per line, into a denomination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads, err := readLines(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d.ID = args[0]
				if cmd.Flags().Changed("label") {
					if err := a.Inventory.PutDenomination(ctx, d); err != nil {
						return err
					}
				}
				added, err := a.Inventory.AddCodes(ctx, d.ID, payloads)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d added, %d skipped\n", d.ID, added, len(payloads)-added)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&d.Label, "label", "", "create or update the denomination with this label")
	cmd.Flags().StringVar(&d.Product, "product", "", "product reference")
	cmd.Flags().IntVar(&d.LowStockThreshold, "threshold", 0, "low stock threshold")
	return cmd
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func stockListCmd(lowOnly bool) *cobra.Command {
	var publish bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show available codes per denomination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report := a.Reporter.Stock
				if lowOnly {
					report = a.Reporter.LowStock
				}
				levels, err := report(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DENOMINATION\tLABEL\tAVAILABLE\tTHRESHOLD\tLOW")
				for _, level := range levels {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n",
						level.Denomination.ID, level.Denomination.Label, level.Available,
						level.Denomination.LowStockThreshold, level.Low())
				}
				if err = w.Flush(); err != nil {
					return err
				}

				if publish {
					n, err := a.Reporter.PublishLowStock(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d low stock alerts published\n", n)
				}
				return nil
			})
		},
	}

	if lowOnly {
		cmd.Use = "low"
		cmd.Short = "Show denominations below their low stock threshold"
		cmd.Flags().BoolVar(&publish, "publish", false, "publish a stock_low alert per denomination")
	}
	return cmd
}
