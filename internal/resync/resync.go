package resync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/gateway"
	"github.com/iurnickita/paycore/internal/lease"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/payment"
	"github.com/iurnickita/paycore/internal/resync/config"
	"github.com/iurnickita/paycore/internal/store"
)

const leaseName = "payment-resync"

// Report - итог одного прогона
type Report struct {
	// false - прогон уже идет в другом месте, этот вызов ничего не сделал
	Ran       bool
	Selected  int
	Applied   int
	Unchanged int
	Skipped   int
	Expired   int
	// Оплаченные заказы, выдача по которым завершена этим прогоном
	Recovered int
	// Прогон остановлен по сроку аренды, часть работы осталась следующему
	TimedOut bool
}

type Scheduler interface {
	// Run запускает прогоны по интервалу до отмены ctx
	Run(ctx context.Context)
	RunOnce(ctx context.Context) (Report, error)
}

type scheduler struct {
	cfg     config.Config
	store   store.Store
	gateway gateway.Client
	machine payment.Machine
	locker  lease.Locker
	metrics *metrics.Metrics
	zaplog  *zap.Logger
}

func NewScheduler(cfg config.Config, s store.Store, gw gateway.Client, machine payment.Machine, locker lease.Locker, m *metrics.Metrics, zaplog *zap.Logger) Scheduler {
	return &scheduler{
		cfg:     cfg,
		store:   s,
		gateway: gw,
		machine: machine,
		locker:  locker,
		metrics: m,
		zaplog:  zaplog,
	}
}

func (s *scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.zaplog.Error("resync run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce опрашивает шлюз по зависшим платежам.
// Одновременно во всей системе идет не больше одного прогона.
func (s *scheduler) RunOnce(ctx context.Context) (Report, error) {
	release, ok, err := s.locker.TryAcquire(ctx, leaseName, s.cfg.LeaseTTL)
	if err != nil {
		s.metrics.ResyncRuns.WithLabelValues("error").Inc()
		return Report{}, err
	}
	if !ok {
		s.metrics.ResyncRuns.WithLabelValues("overlap").Inc()
		s.zaplog.Info("resync run skipped: previous run still active")
		return Report{}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.zaplog.Warn("resync lease release failed", zap.Error(err))
		}
	}()

	// прогон не может пережить свою аренду
	runCtx, cancel := context.WithTimeout(ctx, s.budget())
	defer cancel()

	report := Report{Ran: true}
	stale, err := s.store.PaymentListStale(runCtx, time.Now().Add(-s.cfg.MaxAge), s.cfg.Limit)
	if err != nil {
		s.metrics.ResyncRuns.WithLabelValues("error").Inc()
		return report, err
	}
	report.Selected = len(stale)

	for _, p := range stale {
		if runCtx.Err() != nil {
			break
		}
		s.probe(runCtx, p, &report)
	}
	if runCtx.Err() == nil {
		s.settleOrders(runCtx, &report)
	}

	if ctx.Err() != nil {
		s.metrics.ResyncRuns.WithLabelValues("cancelled").Inc()
		return report, ctx.Err()
	}
	if runCtx.Err() != nil {
		report.TimedOut = true
		s.metrics.ResyncRuns.WithLabelValues("timeout").Inc()
		s.zaplog.Warn("resync run stopped at lease deadline",
			zap.Duration("lease_ttl", s.cfg.LeaseTTL),
			zap.Int("selected", report.Selected),
			zap.Int("skipped", report.Skipped))
	} else {
		s.metrics.ResyncRuns.WithLabelValues("ok").Inc()
	}
	s.zaplog.Info("resync run finished",
		zap.Int("selected", report.Selected),
		zap.Int("applied", report.Applied),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("skipped", report.Skipped),
		zap.Int("expired", report.Expired),
		zap.Int("recovered", report.Recovered))
	return report, nil
}

// budget - срок прогона: десятая часть аренды остается запасом на освобождение
func (s *scheduler) budget() time.Duration {
	return s.cfg.LeaseTTL - s.cfg.LeaseTTL/10
}

// settleOrders довыдает оплаченные заказы, выдача которых оборвалась
// (сбой процесса или отказ хранилища сразу после оплаты).
func (s *scheduler) settleOrders(ctx context.Context, report *Report) {
	numbers, err := s.store.OrderListPending(ctx, time.Now().Add(-s.cfg.MaxAge), s.cfg.Limit)
	if err != nil {
		s.zaplog.Warn("resync: pending orders not listed", zap.Error(err))
		return
	}
	for _, number := range numbers {
		if ctx.Err() != nil {
			return
		}
		if err = s.machine.Refulfill(ctx, number); err != nil {
			s.zaplog.Warn("resync: order fulfillment not recovered",
				zap.String("order_id", number),
				zap.Error(err))
			continue
		}
		report.Recovered++
	}
}

// probe не держит никаких блокировок на время запроса к шлюзу.
// Любая ошибка - пропуск до следующего прогона, но не статус failed.
func (s *scheduler) probe(ctx context.Context, p model.Payment, report *Report) {
	log := s.zaplog.With(
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.Order),
		zap.String("transaction_id", p.ExternalTxnID))

	ref := p.ExternalTxnID
	if ref == "" {
		ref = p.ID
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	answer, err := s.gateway.GetTransaction(probeCtx, ref)
	cancel()

	switch {
	case errors.Is(err, gateway.ErrTransactionNotFound):
		if time.Since(p.CreatedAt) < s.cfg.ExpireMissingAfter {
			s.metrics.ResyncProbes.WithLabelValues("not_found").Inc()
			report.Unchanged++
			return
		}
		// шлюз так и не узнал о транзакции: оплаты не было
		s.metrics.ResyncProbes.WithLabelValues("expired").Inc()
		if s.apply(ctx, log, payment.Transition{PaymentID: p.ID, Reported: model.PaymentStatusFailed, Source: payment.SourceResync}, report) {
			report.Expired++
		}
		return
	case err != nil:
		s.metrics.ResyncProbes.WithLabelValues("error").Inc()
		log.Warn("resync probe failed", zap.Error(err))
		report.Skipped++
		return
	}

	status, err := payment.MapStatus(answer.Status)
	if err != nil {
		s.metrics.ResyncProbes.WithLabelValues("unknown_status").Inc()
		log.Warn("resync probe: unknown gateway status", zap.String("status", answer.Status))
		report.Skipped++
		return
	}

	if !answer.Amount.IsZero() {
		amount, err := gateway.MinorUnits(answer.Amount)
		if err != nil || amount != p.Amount {
			s.metrics.ResyncProbes.WithLabelValues("amount_mismatch").Inc()
			log.Error("resync probe: amount mismatch",
				zap.Int64("expected", p.Amount),
				zap.String("reported", answer.Amount.String()))
			report.Skipped++
			return
		}
	}

	s.metrics.ResyncProbes.WithLabelValues("ok").Inc()
	s.apply(ctx, log, payment.Transition{
		PaymentID:     p.ID,
		Reported:      status,
		ExternalTxnID: answer.TransactionID,
		Source:        payment.SourceResync,
	}, report)
}

func (s *scheduler) apply(ctx context.Context, log *zap.Logger, t payment.Transition, report *Report) bool {
	result, err := s.machine.ApplyTransition(ctx, t)
	if err != nil {
		log.Warn("resync transition failed", zap.Error(err))
		report.Skipped++
		return false
	}
	if !result.Changed {
		report.Unchanged++
		return false
	}
	report.Applied++
	return true
}
