package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/app"
	"github.com/iurnickita/paycore/internal/config"
	"github.com/iurnickita/paycore/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "paycorectl",
		Short:         "Operations tool for the payment reconciliation core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(webhookCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp собирает ядро по переменным окружения (и .env) и закрывает его после команды.
// Секрет уведомлений утилите не нужен, поэтому проверяются только используемые разделы.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	// у хранилища в памяти нет общих данных с сервисом
	if cfg.Store.DBDsn == "" {
		return errors.New("DATABASE_URI is required")
	}
	for _, section := range []any{cfg.Logger, cfg.Store, cfg.Gateway, cfg.Resync, cfg.Lease, cfg.Alert} {
		if err = config.Validate(section); err != nil {
			return err
		}
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, zaplog.With(zap.String("component", "paycorectl")))
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
