package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/model"
)

var ErrUnknownItemKind = errors.New("unknown line item kind")

// fulfill выдает позиции оплаченного заказа: коды со склада или зачисление в кошелек.
// Уже выданное повторно не выдается, поэтому вызов можно повторять.
// Оплата при ошибке не откатывается: заказ получает флаг долга по выдаче.
func (m *machine) fulfill(ctx context.Context, payment model.Payment) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fulfillTimeout)
	defer cancel()

	unlock, err := m.lockOrder(ctx, payment.Order)
	if err != nil {
		if errors.Is(err, ErrFulfillmentBusy) {
			m.metrics.Fulfillments.WithLabelValues("busy").Inc()
		} else {
			m.metrics.Fulfillments.WithLabelValues("error").Inc()
		}
		m.zaplog.Warn("fulfillment: order not locked",
			zap.String("order_id", payment.Order),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return err
	}
	defer unlock()

	order, err := m.store.OrderGet(ctx, payment.Order)
	if err != nil {
		m.metrics.Fulfillments.WithLabelValues("error").Inc()
		m.zaplog.Error("fulfillment: order not loaded",
			zap.String("order_id", payment.Order),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return err
	}
	// выдачу успел завершить предыдущий владелец аренды
	if !owed(order) {
		return nil
	}

	// коды, выданные заказу в прошлых попытках
	codes, err := m.inventory.Codes(ctx, order.Number)
	if err != nil {
		return err
	}
	claimed := make(map[string]int)
	for _, c := range codes {
		claimed[c.Denomination]++
	}

	var failures []string
	for i := range order.Items {
		item := &order.Items[i]
		if item.Fulfilled {
			continue
		}

		var itemErr error
		switch item.Kind {
		case model.LineItemRedeemCode:
			have := min(claimed[item.DenominationID], item.Quantity)
			claimed[item.DenominationID] -= have
			itemErr = m.claimCodes(ctx, order.Number, item.DenominationID, item.Quantity-have)
		case model.LineItemWalletCredit:
			itemErr = m.creditWallet(ctx, order, *item)
		default:
			itemErr = ErrUnknownItemKind
		}

		if itemErr != nil {
			item.Error = itemErr.Error()
			failures = append(failures, fmt.Sprintf("item %d: %s", item.Position, itemErr))
			continue
		}
		item.Fulfilled = true
		item.Error = ""
	}

	order.Data.UpdatedAt = m.now()
	order.Data.FulfillmentPending = false
	if len(failures) == 0 {
		order.Data.Status = model.OrderStatusFulfilled
		order.Data.FulfillmentFailed = false
		order.Data.FulfillmentError = ""
	} else {
		order.Data.FulfillmentFailed = true
		order.Data.FulfillmentError = strings.Join(failures, "; ")
	}
	if err = m.store.OrderPut(ctx, order); err != nil {
		m.metrics.Fulfillments.WithLabelValues("error").Inc()
		m.zaplog.Error("fulfillment: order not saved",
			zap.String("order_id", order.Number),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return err
	}

	if len(failures) > 0 {
		m.metrics.Fulfillments.WithLabelValues("failed").Inc()
		m.zaplog.Error("order fulfillment failed",
			zap.String("order_id", order.Number),
			zap.String("payment_id", payment.ID),
			zap.Strings("failures", failures))
		m.alerts.Publish(ctx, alert.Event{
			Type:    alert.EventFulfillmentFailed,
			Order:   order.Number,
			Payment: payment.ID,
			Reason:  order.Data.FulfillmentError,
			At:      m.now(),
		})
		return fmt.Errorf("order %s: %s", order.Number, order.Data.FulfillmentError)
	}

	m.metrics.Fulfillments.WithLabelValues("ok").Inc()
	m.zaplog.Info("order fulfilled",
		zap.String("order_id", order.Number),
		zap.String("payment_id", payment.ID))
	return nil
}

func (m *machine) claimCodes(ctx context.Context, order string, denomination string, n int) error {
	for ; n > 0; n-- {
		if _, err := m.inventory.ClaimCode(ctx, denomination, order); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) creditWallet(ctx context.Context, order model.Order, item model.LineItem) error {
	reason := fmt.Sprintf("order:%s:%d", order.Number, item.Position)

	// зачисление могло пройти в прошлой попытке до сохранения заказа
	history, err := m.wallet.History(ctx, order.Data.Buyer)
	if err != nil {
		return err
	}
	for _, e := range history {
		if e.Reason == reason && e.Direction == model.DirectionCredit {
			return nil
		}
	}

	_, err = m.wallet.Credit(ctx, order.Data.Buyer, item.Amount, reason)
	return err
}
