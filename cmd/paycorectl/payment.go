package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iurnickita/paycore/internal/app"
	"github.com/iurnickita/paycore/internal/model"
)

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Payments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [payment-id]",
		Short: "Show a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Opener.GetPayment(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "id\t%s\n", p.ID)
				fmt.Fprintf(w, "order\t%s\n", p.Order)
				fmt.Fprintf(w, "status\t%s\n", p.Status)
				fmt.Fprintf(w, "amount\t%d\n", p.Amount)
				fmt.Fprintf(w, "method\t%s\n", p.Method)
				fmt.Fprintf(w, "transaction\t%s\n", p.ExternalTxnID)
				fmt.Fprintf(w, "status changed\t%s\n", p.StatusChangedAt.Format(time.RFC3339))
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(paymentOpenCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "attach [payment-id] [transaction-id]",
		Short: "Record the gateway transaction id returned by checkout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Opener.AttachTransaction(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %s\t%s\ttransaction %s\n", p.ID, p.Status, p.ExternalTxnID)
				return nil
			})
		},
	})
	return cmd
}

func paymentOpenCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "open [order-number]",
		Short: "Open a pending payment for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Opener.OpenPayment(ctx, args[0], method)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %s\t%s\tamount %d\n", p.ID, p.Status, p.Amount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "card", "payment method")
	return cmd
}

func orderOpenCmd() *cobra.Command {
	var (
		buyer   string
		total   int64
		codes   []string
		credits []int64
	)
	cmd := &cobra.Command{
		Use:   "open [number]",
		Short: "Open a draft order",
		Example: "  paycorectl order open 12345678903 --buyer 100001 --total 990 --code uc-60:1\n" +
			"  paycorectl order open 79927398713 --buyer 100001 --total 500 --credit 500",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseItems(codes, credits)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				order, err := a.Opener.OpenOrder(ctx, model.Order{
					Number: args[0],
					Data:   model.OrderData{Buyer: buyer, Total: total},
					Items:  items,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s\t%s\ttotal %d\titems %d\n",
					order.Number, order.Data.Status, order.Data.Total, len(order.Items))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer id")
	cmd.Flags().Int64Var(&total, "total", 0, "order total in minor units")
	cmd.Flags().StringArrayVar(&codes, "code", nil, "redeem code item as denomination:quantity, repeatable")
	cmd.Flags().Int64SliceVar(&credits, "credit", nil, "wallet credit item amount in minor units, repeatable")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

// parseItems собирает позиции заказа из флагов: сначала коды, затем зачисления
func parseItems(codes []string, credits []int64) ([]model.LineItem, error) {
	items := make([]model.LineItem, 0, len(codes)+len(credits))
	for _, c := range codes {
		denomination, quantity, found := strings.Cut(c, ":")
		if !found {
			quantity = "1"
		}
		n, err := strconv.Atoi(quantity)
		if err != nil || denomination == "" {
			return nil, fmt.Errorf("code item %q: want denomination:quantity", c)
		}
		items = append(items, model.LineItem{Kind: model.LineItemRedeemCode, DenominationID: denomination, Quantity: n})
	}
	for _, amount := range credits {
		items = append(items, model.LineItem{Kind: model.LineItemWalletCredit, Amount: amount})
	}
	if len(items) == 0 {
		return nil, errors.New("order needs at least one --code or --credit item")
	}
	return items, nil
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Orders and fulfillment debt",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [number]",
		Short: "Show an order with its items and payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				order, err := a.Opener.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				payments, err := a.Opener.GetPayments(ctx, args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "order %s\t%s\ttotal %d\tbuyer %s\n", order.Number, order.Data.Status, order.Data.Total, order.Data.Buyer)
				if order.Data.FulfillmentFailed {
					fmt.Fprintf(w, "fulfillment failed\t%s\n", order.Data.FulfillmentError)
				}
				if order.Data.FulfillmentPending {
					fmt.Fprintln(w, "fulfillment pending")
				}
				for _, item := range order.Items {
					fmt.Fprintf(w, "  item %d\t%s\t%s x%d\tamount %d\tfulfilled %t\t%s\n",
						item.Position, item.Kind, item.DenominationID, item.Quantity, item.Amount, item.Fulfilled, item.Error)
				}
				for _, p := range payments {
					fmt.Fprintf(w, "  payment %s\t%s\t%s\n", p.ID, p.Status, p.ExternalTxnID)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(orderOpenCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel [number]",
		Short: "Cancel an order that has no active or paid payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Opener.CancelOrder(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s cancelled\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refulfill [number]",
		Short: "Resume fulfillment of a paid order that still owes items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				refulfillErr := a.Machine.Refulfill(ctx, args[0])
				// итог по заказу печатается и при ошибке выдачи
				order, err := a.Opener.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), orderSummary(order))
				return refulfillErr
			})
		},
	})
	return cmd
}

func orderSummary(order model.Order) string {
	summary := fmt.Sprintf("order %s %s", order.Number, order.Data.Status)
	switch {
	case order.Data.FulfillmentFailed:
		summary += ", fulfillment failed: " + order.Data.FulfillmentError
	case order.Data.FulfillmentPending:
		summary += ", fulfillment pending"
	}
	return summary
}
