package payment

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/theplant/luhn"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
)

var (
	ErrUnprocessableEntity = errors.New("unprocessable entity")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrOrderNotFound       = errors.New("order not found")
	ErrActivePayment       = errors.New("order already has an active payment")
	ErrOrderClosed         = errors.New("order is closed")
	ErrNotPaid             = errors.New("order has no paid payment")
	ErrPaymentClosed       = errors.New("payment is in a terminal status")
)

// Opener - создание заказов и платежей до того, как ими займется шлюз
type Opener interface {
	OpenOrder(ctx context.Context, order model.Order) (model.Order, error)
	OpenPayment(ctx context.Context, order string, method string) (model.Payment, error)
	CancelOrder(ctx context.Context, order string) error
	AttachTransaction(ctx context.Context, paymentID string, txnID string) (model.Payment, error)

	GetOrder(ctx context.Context, order string) (model.Order, error)
	GetPayment(ctx context.Context, paymentID string) (model.Payment, error)
	GetPayments(ctx context.Context, order string) ([]model.Payment, error)
}

type opener struct {
	store  store.Store
	zaplog *zap.Logger
}

func NewOpener(store store.Store, zaplog *zap.Logger) Opener {
	return &opener{store: store, zaplog: zaplog}
}

// ValidNumber - номер заказа из цифр с верной контрольной цифрой Луна
func ValidNumber(number string) bool {
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return false
	}
	return luhn.Valid(n)
}

func (o *opener) OpenOrder(ctx context.Context, order model.Order) (model.Order, error) {
	if order.Number == "" || order.Data.Buyer == "" || len(order.Items) == 0 {
		return model.Order{}, ErrInsufficientData
	}
	// Проверка по алгоритму Луна
	if !ValidNumber(order.Number) {
		return model.Order{}, ErrUnprocessableEntity
	}

	var newOrder model.Order
	newOrder.Number = order.Number
	newOrder.Data.Buyer = order.Data.Buyer
	newOrder.Data.Status = model.OrderStatusDraft
	newOrder.Data.CreatedAt = time.Now().UTC()
	newOrder.Data.UpdatedAt = newOrder.Data.CreatedAt

	var total int64
	for i, item := range order.Items {
		switch item.Kind {
		case model.LineItemRedeemCode:
			if item.DenominationID == "" || item.Quantity < 1 {
				return model.Order{}, ErrUnprocessableEntity
			}
			if _, err := o.store.DenominationGet(ctx, item.DenominationID); err != nil {
				if errors.Is(err, store.ErrNoRows) {
					return model.Order{}, ErrUnprocessableEntity
				}
				return model.Order{}, err
			}
		case model.LineItemWalletCredit:
			if item.Amount <= 0 {
				return model.Order{}, ErrUnprocessableEntity
			}
			total += item.Amount
		default:
			return model.Order{}, ErrUnprocessableEntity
		}
		newOrder.Items = append(newOrder.Items, model.LineItem{
			Position:       i + 1,
			Kind:           item.Kind,
			DenominationID: item.DenominationID,
			Quantity:       item.Quantity,
			Amount:         item.Amount,
		})
	}
	// Цену кодов считает каталог, здесь берется итог заказа
	newOrder.Data.Total = order.Data.Total
	if newOrder.Data.Total < total || newOrder.Data.Total <= 0 {
		return model.Order{}, ErrUnprocessableEntity
	}

	err := o.store.OrderCreate(ctx, newOrder)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			return model.Order{}, ErrAlreadyExists
		case errors.Is(err, store.ErrDuplicateRequest):
			return model.Order{}, ErrDuplicateRequest
		default:
			return model.Order{}, err
		}
	}
	o.zaplog.Info("order opened",
		zap.String("order_id", newOrder.Number),
		zap.String("buyer", newOrder.Data.Buyer),
		zap.Int64("total", newOrder.Data.Total))
	return newOrder, nil
}

func (o *opener) OpenPayment(ctx context.Context, number string, method string) (model.Payment, error) {
	if number == "" {
		return model.Payment{}, ErrInsufficientData
	}
	order, err := o.GetOrder(ctx, number)
	if err != nil {
		return model.Payment{}, err
	}
	if order.Data.Status != model.OrderStatusDraft && order.Data.Status != model.OrderStatusAwaitingPayment {
		return model.Payment{}, ErrOrderClosed
	}
	if err = o.checkPayments(ctx, number); err != nil {
		return model.Payment{}, err
	}

	now := time.Now().UTC()
	payment := model.Payment{
		ID:              uuid.NewString(),
		Order:           number,
		Amount:          order.Data.Total,
		Method:          method,
		Status:          model.PaymentStatusPending,
		StatusChangedAt: now,
		CreatedAt:       now,
	}
	// одновременное открытие отсекает хранилище: активный платеж один на заказ
	if err = o.store.PaymentCreate(ctx, payment); err != nil {
		if errors.Is(err, store.ErrActivePayment) {
			return model.Payment{}, ErrActivePayment
		}
		return model.Payment{}, err
	}

	if order.Data.Status == model.OrderStatusDraft {
		order.Data.Status = model.OrderStatusAwaitingPayment
		order.Data.UpdatedAt = now
		if err = o.store.OrderPut(ctx, order); err != nil {
			return model.Payment{}, err
		}
	}
	o.zaplog.Info("payment opened",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", number),
		zap.Int64("amount", payment.Amount))
	return payment, nil
}

// checkPayments - новый платеж или отмена допустимы, только если прошлые попытки неуспешны
func (o *opener) checkPayments(ctx context.Context, number string) error {
	payments, err := o.store.PaymentListByOrder(ctx, number)
	if err != nil {
		return err
	}
	for _, p := range payments {
		switch {
		case p.Status == model.PaymentStatusPaid:
			return ErrOrderClosed
		case !p.Status.Terminal():
			return ErrActivePayment
		}
	}
	return nil
}

// CancelOrder не трогает платежи: деньги двигает только шлюз
func (o *opener) CancelOrder(ctx context.Context, number string) error {
	order, err := o.GetOrder(ctx, number)
	if err != nil {
		return err
	}
	switch order.Data.Status {
	case model.OrderStatusCancelled:
		return nil
	case model.OrderStatusFulfilled:
		return ErrOrderClosed
	}
	if err = o.checkPayments(ctx, number); err != nil {
		return err
	}

	order.Data.Status = model.OrderStatusCancelled
	order.Data.UpdatedAt = time.Now().UTC()
	if err = o.store.OrderPut(ctx, order); err != nil {
		return err
	}
	o.zaplog.Info("order cancelled", zap.String("order_id", number))
	return nil
}

func (o *opener) AttachTransaction(ctx context.Context, paymentID string, txnID string) (model.Payment, error) {
	if paymentID == "" || txnID == "" {
		return model.Payment{}, ErrInsufficientData
	}
	payment, err := o.store.PaymentUpdate(ctx, paymentID, func(current model.Payment) (model.Payment, bool, error) {
		switch {
		case current.ExternalTxnID == txnID:
			return current, false, nil
		case current.ExternalTxnID != "":
			return current, false, ErrAlreadyExists
		case current.Status.Terminal():
			return current, false, ErrPaymentClosed
		}
		current.ExternalTxnID = txnID
		return current, true, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoRows):
			return model.Payment{}, ErrPaymentNotFound
		case errors.Is(err, store.ErrAlreadyExists):
			return model.Payment{}, ErrAlreadyExists
		}
		return model.Payment{}, err
	}
	return payment, nil
}

func (o *opener) GetOrder(ctx context.Context, number string) (model.Order, error) {
	order, err := o.store.OrderGet(ctx, number)
	if errors.Is(err, store.ErrNoRows) {
		return model.Order{}, ErrOrderNotFound
	}
	return order, err
}

func (o *opener) GetPayment(ctx context.Context, paymentID string) (model.Payment, error) {
	payment, err := o.store.PaymentGet(ctx, paymentID)
	if errors.Is(err, store.ErrNoRows) {
		return model.Payment{}, ErrPaymentNotFound
	}
	return payment, err
}

func (o *opener) GetPayments(ctx context.Context, number string) ([]model.Payment, error) {
	return o.store.PaymentListByOrder(ctx, number)
}
