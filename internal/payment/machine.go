package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/inventory"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
	"github.com/iurnickita/paycore/internal/wallet"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourceResync  Source = "resync"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnknownSource    = errors.New("unknown transition source")
	ErrPaymentNotFound  = errors.New("payment not found")
	// Шлюз прислал другой номер транзакции для уже связанного платежа
	ErrTxnMismatch = errors.New("transaction id does not match payment")
	// Выдачу заказа сейчас ведет другой вызов
	ErrFulfillmentBusy = errors.New("order fulfillment already in progress")
)

// Выдача не зависит от контекста вызывающего, но ограничена по времени
const fulfillTimeout = 30 * time.Second

// Transition - отчет о статусе платежа от одного из двух источников
type Transition struct {
	PaymentID     string
	Reported      model.PaymentStatus
	ExternalTxnID string
	RawPayload    []byte
	Source        Source
}

type Result struct {
	Payment  model.Payment
	Previous model.PaymentStatus
	// Статус изменился этим вызовом
	Changed bool
	// Этим вызовом запущена выдача заказа
	Fulfilled bool
	// Ошибка выдачи не отменяет оплату и наружу не возвращается
	FulfillmentErr error
}

type Machine interface {
	ApplyTransition(ctx context.Context, t Transition) (Result, error)
	// Refulfill повторяет выдачу по оплаченному заказу с долгом
	// (помеченному сбоем или с незавершенной выдачей). Без долга ничего не делает.
	Refulfill(ctx context.Context, order string) error
}

type machine struct {
	store     store.Store
	inventory inventory.Ledger
	wallet    wallet.Ledger
	alerts    alert.Publisher
	metrics   *metrics.Metrics
	zaplog    *zap.Logger
	now       func() time.Time
	// срок одной выдачи
	fulfillTimeout time.Duration
}

func NewMachine(store store.Store, inv inventory.Ledger, wal wallet.Ledger, alerts alert.Publisher, m *metrics.Metrics, zaplog *zap.Logger) Machine {
	return &machine{
		store:     store,
		inventory: inv,
		wallet:    wal,
		alerts:    alerts,
		metrics:   m,
		zaplog:    zaplog,
		now:       func() time.Time { return time.Now().UTC() },

		fulfillTimeout: fulfillTimeout,
	}
}

// ApplyTransition - единственное место смены статуса платежа.
// Блокировка берется только на платеж; выдача идет после фиксации статуса.
func (m *machine) ApplyTransition(ctx context.Context, t Transition) (Result, error) {
	if t.PaymentID == "" {
		return Result{}, ErrInsufficientData
	}
	if t.Source != SourceWebhook && t.Source != SourceResync {
		return Result{}, ErrUnknownSource
	}
	if t.Reported.Rank() < 0 {
		return Result{}, ErrUnknownStatus
	}

	var result Result
	payment, err := m.store.PaymentUpdate(ctx, t.PaymentID, func(current model.Payment) (model.Payment, bool, error) {
		result.Previous = current.Status
		// конечный статус не меняется ни при каком отчете
		if current.Status.Terminal() {
			return current, false, nil
		}
		if t.ExternalTxnID != "" && current.ExternalTxnID != "" && t.ExternalTxnID != current.ExternalTxnID {
			return current, false, ErrTxnMismatch
		}
		// устаревший отчет
		if t.Reported.Rank() < current.Status.Rank() {
			return current, false, nil
		}

		next := current
		write := false
		if t.Reported != current.Status {
			next.Status = t.Reported
			next.StatusChangedAt = m.now()
			write = true
		}
		if t.ExternalTxnID != "" && current.ExternalTxnID == "" {
			next.ExternalTxnID = t.ExternalTxnID
			write = true
		}
		if len(t.RawPayload) > 0 {
			next.RawPayload = t.RawPayload
			write = true
		}
		return next, write, nil
	})
	if err != nil {
		m.metrics.Transitions.WithLabelValues(string(t.Source), string(t.Reported), "error").Inc()
		switch {
		case errors.Is(err, store.ErrNoRows):
			return Result{}, ErrPaymentNotFound
		case errors.Is(err, store.ErrInvariant):
			m.zaplog.DPanic("write to terminal payment",
				zap.String("payment_id", t.PaymentID),
				zap.String("source", string(t.Source)))
		}
		return Result{}, err
	}

	result.Payment = payment
	result.Changed = payment.Status != result.Previous
	if !result.Changed {
		m.metrics.Transitions.WithLabelValues(string(t.Source), string(t.Reported), "noop").Inc()
		m.zaplog.Debug("payment transition ignored",
			zap.String("payment_id", payment.ID),
			zap.String("status", string(payment.Status)),
			zap.String("reported", string(t.Reported)),
			zap.String("source", string(t.Source)))
		return result, nil
	}

	m.metrics.Transitions.WithLabelValues(string(t.Source), string(t.Reported), "applied").Inc()
	m.zaplog.Info("payment transition",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.Order),
		zap.String("transaction_id", payment.ExternalTxnID),
		zap.String("from", string(result.Previous)),
		zap.String("to", string(payment.Status)),
		zap.String("source", string(t.Source)))

	// paid выставляется под блокировкой платежа ровно одним вызовом.
	// Долг по выдаче уже записан вместе со статусом: если выдача здесь не дойдет
	// до конца, ее подберет Refulfill или очередной прогон сверки.
	if payment.Status == model.PaymentStatusPaid && result.Previous != model.PaymentStatusPaid {
		result.Fulfilled = true
		result.FulfillmentErr = m.fulfill(ctx, payment)
	}
	return result, nil
}

func (m *machine) Refulfill(ctx context.Context, number string) error {
	order, err := m.store.OrderGet(ctx, number)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if !owed(order) {
		return nil
	}

	payments, err := m.store.PaymentListByOrder(ctx, number)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status == model.PaymentStatusPaid {
			return m.fulfill(ctx, p)
		}
	}
	return ErrNotPaid
}

// owed - по заказу есть невыданное
func owed(order model.Order) bool {
	if order.Data.Status == model.OrderStatusFulfilled {
		return false
	}
	return order.Data.FulfillmentPending || order.Data.FulfillmentFailed
}

// lockOrder берет аренду на выдачу заказа: чтение уже выданного и довыдача
// идут строго по одной на заказ.
func (m *machine) lockOrder(ctx context.Context, number string) (func(), error) {
	name := "fulfill:" + number
	holder := uuid.NewString()
	// аренда заведомо переживает саму выдачу
	ok, err := m.store.LeaseAcquire(ctx, name, holder, 2*m.fulfillTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFulfillmentBusy
	}
	return func() {
		if err := m.store.LeaseRelease(context.WithoutCancel(ctx), name, holder); err != nil {
			m.zaplog.Warn("fulfillment lease release failed",
				zap.String("order_id", number),
				zap.Error(err))
		}
	}, nil
}
