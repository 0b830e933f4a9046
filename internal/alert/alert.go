package alert

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert/config"
)

type EventType string

const (
	EventFulfillmentFailed EventType = "fulfillment_failed"
	EventStockDepleted     EventType = "stock_depleted"
	EventStockLow          EventType = "stock_low"
)

// Event - операционное событие для дежурных
type Event struct {
	Type         EventType `json:"type"`
	Order        string    `json:"order_id,omitempty"`
	Payment      string    `json:"payment_id,omitempty"`
	Denomination string    `json:"denomination_id,omitempty"`
	Available    *int      `json:"available,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

func (e Event) key() string {
	switch {
	case e.Order != "":
		return e.Order
	case e.Denomination != "":
		return e.Denomination
	}
	return string(e.Type)
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// NewPublisher возвращает Kafka-публикатор, если заданы брокеры, иначе пишет события в лог.
func NewPublisher(cfg config.Config, zaplog *zap.Logger) Publisher {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return &logPublisher{zaplog: zaplog}
	}
	return &kafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		zaplog: zaplog,
	}
}

func splitBrokers(brokersCSV string) []string {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type logPublisher struct {
	zaplog *zap.Logger
}

func (p *logPublisher) Publish(_ context.Context, event Event) {
	p.zaplog.Warn("operational alert",
		zap.String("type", string(event.Type)),
		zap.String("order_id", event.Order),
		zap.String("payment_id", event.Payment),
		zap.String("denomination_id", event.Denomination),
		zap.String("reason", event.Reason))
}

func (p *logPublisher) Close() error {
	return nil
}

type kafkaPublisher struct {
	writer *kafka.Writer
	zaplog *zap.Logger
}

// Publish не возвращает ошибку: недоставленное событие не должно влиять на платеж.
func (p *kafkaPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err == nil {
		err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event.key()), Value: data, Time: time.Now().UTC()})
	}
	if err != nil {
		p.zaplog.Error("alert publish failed",
			zap.String("type", string(event.Type)),
			zap.String("order_id", event.Order),
			zap.Error(err))
	}
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// Recorder накапливает события в памяти, для тестов
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Close() error {
	return nil
}
