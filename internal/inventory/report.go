package inventory

import (
	"context"
	"time"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
)

// Reporter только читает остатки: без кэша, каждый вызов видит уже закоммиченные выдачи.
type Reporter interface {
	Stock(ctx context.Context) ([]model.StockLevel, error)
	LowStock(ctx context.Context) ([]model.StockLevel, error)
	PublishLowStock(ctx context.Context) (int, error)
}

type reporter struct {
	store   store.Store
	metrics *metrics.Metrics
	alerts  alert.Publisher
}

func NewReporter(store store.Store, m *metrics.Metrics, alerts alert.Publisher) Reporter {
	return &reporter{store: store, metrics: m, alerts: alerts}
}

func (r *reporter) Stock(ctx context.Context) ([]model.StockLevel, error) {
	levels, err := r.store.StockLevels(ctx)
	if err != nil {
		return nil, err
	}
	for _, level := range levels {
		r.metrics.StockAvailable.WithLabelValues(level.Denomination.ID).Set(float64(level.Available))
	}
	return levels, nil
}

func (r *reporter) LowStock(ctx context.Context) ([]model.StockLevel, error) {
	levels, err := r.Stock(ctx)
	if err != nil {
		return nil, err
	}
	low := []model.StockLevel{}
	for _, level := range levels {
		if level.Low() {
			low = append(low, level)
		}
	}
	return low, nil
}

// PublishLowStock отправляет по событию на каждый номинал ниже порога
func (r *reporter) PublishLowStock(ctx context.Context) (int, error) {
	low, err := r.LowStock(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, level := range low {
		available := level.Available
		r.alerts.Publish(ctx, alert.Event{
			Type:         alert.EventStockLow,
			Denomination: level.Denomination.ID,
			Available:    &available,
			At:           now,
		})
	}
	return len(low), nil
}
