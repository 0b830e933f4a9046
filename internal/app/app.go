package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/config"
	"github.com/iurnickita/paycore/internal/gateway"
	"github.com/iurnickita/paycore/internal/inventory"
	"github.com/iurnickita/paycore/internal/lease"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/payment"
	"github.com/iurnickita/paycore/internal/resync"
	"github.com/iurnickita/paycore/internal/store"
	"github.com/iurnickita/paycore/internal/wallet"
	"github.com/iurnickita/paycore/internal/webhook"
)

// App - собранные компоненты ядра, общие для сервиса и утилиты
type App struct {
	Store     store.Store
	Metrics   *metrics.Metrics
	Alerts    alert.Publisher
	Inventory inventory.Ledger
	Reporter  inventory.Reporter
	Wallet    wallet.Ledger
	Machine   payment.Machine
	Opener    payment.Opener
	Gateway   gateway.Client
	Locker    lease.Locker
	Scheduler resync.Scheduler

	zaplog *zap.Logger
}

func New(ctx context.Context, cfg config.Config, zaplog *zap.Logger) (*App, error) {
	s, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	locker, err := lease.NewLocker(ctx, cfg.Lease, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	a := &App{
		Store:   s,
		Metrics: metrics.New(),
		Alerts:  alert.NewPublisher(cfg.Alert, zaplog),
		Gateway: gateway.NewClient(cfg.Gateway),
		Locker:  locker,
		zaplog:  zaplog,
	}
	a.Inventory = inventory.NewLedger(s, a.Metrics, a.Alerts, zaplog)
	a.Reporter = inventory.NewReporter(s, a.Metrics, a.Alerts)
	a.Wallet = wallet.NewLedger(s, a.Metrics, zaplog)
	a.Machine = payment.NewMachine(s, a.Inventory, a.Wallet, a.Alerts, a.Metrics, zaplog)
	a.Opener = payment.NewOpener(s, zaplog)
	a.Scheduler = resync.NewScheduler(cfg.Resync, s, a.Gateway, a.Machine, locker, a.Metrics, zaplog)
	return a, nil
}

func (a *App) Ingestor(cfg config.Config) (webhook.Ingestor, error) {
	return webhook.NewIngestor(cfg.Webhook, a.Store, a.Machine, a.Gateway, a.Metrics, a.zaplog)
}

func (a *App) Close() {
	if err := a.Alerts.Close(); err != nil {
		a.zaplog.Warn("alert publisher close", zap.Error(err))
	}
	if err := a.Locker.Close(); err != nil {
		a.zaplog.Warn("lease locker close", zap.Error(err))
	}
	a.Store.Close()
}
