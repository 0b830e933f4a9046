package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
)

// DepletedError - на момент попытки у номинала нет доступных кодов.
// Повторять в цикле нельзя, решение принимает выдача заказа.
type DepletedError struct {
	DenominationID string
}

func (e *DepletedError) Error() string {
	return fmt.Sprintf("denomination %s: %s", e.DenominationID, store.ErrStockDepleted)
}

func (e *DepletedError) Unwrap() error {
	return store.ErrStockDepleted
}

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrUnknownDenomination = errors.New("unknown denomination")
)

type Ledger interface {
	ClaimCode(ctx context.Context, denomination string, order string) (model.RedeemCode, error)
	PutDenomination(ctx context.Context, denomination model.Denomination) error
	AddCodes(ctx context.Context, denomination string, payloads []string) (int, error)
	Codes(ctx context.Context, order string) ([]model.RedeemCode, error)
}

type ledger struct {
	store   store.Store
	metrics *metrics.Metrics
	alerts  alert.Publisher
	zaplog  *zap.Logger
}

func NewLedger(store store.Store, m *metrics.Metrics, alerts alert.Publisher, zaplog *zap.Logger) Ledger {
	return &ledger{store: store, metrics: m, alerts: alerts, zaplog: zaplog}
}

// ClaimCode атомарно переводит один доступный код номинала в consumed за заказом.
func (l *ledger) ClaimCode(ctx context.Context, denomination string, order string) (model.RedeemCode, error) {
	if denomination == "" || order == "" {
		return model.RedeemCode{}, ErrInsufficientData
	}

	code, err := l.store.CodeClaim(ctx, denomination, order)
	switch {
	case err == nil:
		l.metrics.Claims.WithLabelValues(denomination, "ok").Inc()
		return code, nil
	case errors.Is(err, store.ErrStockDepleted):
		l.metrics.Claims.WithLabelValues(denomination, "depleted").Inc()
		l.zaplog.Warn("redeem stock depleted",
			zap.String("denomination_id", denomination),
			zap.String("order_id", order))
		l.alerts.Publish(ctx, alert.Event{
			Type:         alert.EventStockDepleted,
			Order:        order,
			Denomination: denomination,
			At:           time.Now().UTC(),
		})
		return model.RedeemCode{}, &DepletedError{DenominationID: denomination}
	case errors.Is(err, store.ErrInvariant):
		l.zaplog.DPanic("redeem code claimed twice",
			zap.String("denomination_id", denomination),
			zap.String("order_id", order))
		return model.RedeemCode{}, err
	default:
		l.metrics.Claims.WithLabelValues(denomination, "error").Inc()
		return model.RedeemCode{}, fmt.Errorf("claim code for %s: %w", denomination, err)
	}
}

func (l *ledger) PutDenomination(ctx context.Context, denomination model.Denomination) error {
	if denomination.ID == "" || denomination.Label == "" {
		return ErrInsufficientData
	}
	if denomination.LowStockThreshold < 0 {
		denomination.LowStockThreshold = 0
	}
	return l.store.DenominationPut(ctx, denomination)
}

// AddCodes загружает коды как available. Повторы внутри номинала пропускаются,
// возвращается число реально добавленных.
func (l *ledger) AddCodes(ctx context.Context, denomination string, payloads []string) (int, error) {
	clean := make([]string, 0, len(payloads))
	for _, p := range payloads {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return 0, ErrInsufficientData
	}

	added, err := l.store.CodeAdd(ctx, denomination, clean)
	if errors.Is(err, store.ErrNoRows) {
		return 0, ErrUnknownDenomination
	}
	if err != nil {
		return 0, err
	}
	l.zaplog.Info("redeem codes loaded",
		zap.String("denomination_id", denomination),
		zap.Int("added", added),
		zap.Int("skipped", len(clean)-added))
	return added, nil
}

func (l *ledger) Codes(ctx context.Context, order string) ([]model.RedeemCode, error) {
	return l.store.CodeListByOrder(ctx, order)
}
