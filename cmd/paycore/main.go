package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/app"
	"github.com/iurnickita/paycore/internal/config"
	"github.com/iurnickita/paycore/internal/handler"
	"github.com/iurnickita/paycore/internal/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig(os.Args[1:])
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.New(ctx, cfg, zaplog)
	if err != nil {
		return err
	}
	defer core.Close()

	ingestor, err := core.Ingestor(cfg)
	if err != nil {
		return err
	}

	// сверка зависших платежей, по одному прогону на все реплики
	go core.Scheduler.Run(ctx)

	h := handler.NewHandler(ingestor, cfg.Webhook.SignatureHeader, core.Opener, core.Inventory, core.Reporter, core.Metrics, zaplog)
	zaplog.Info("paycore started",
		zap.String("address", cfg.Handler.ServerAddr),
		zap.Bool("memory_store", cfg.Store.DBDsn == ""),
		zap.Duration("resync_interval", cfg.Resync.Interval))

	err = handler.Serve(ctx, cfg.Handler, h)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
