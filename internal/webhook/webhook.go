package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/gateway"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/payment"
	"github.com/iurnickita/paycore/internal/store"
	"github.com/iurnickita/paycore/internal/webhook/config"
)

var (
	ErrAmountMismatch  = errors.New("amount does not match payment")
	ErrUnknownPayment  = errors.New("payment not found for notification")
	ErrUnknownStatus   = errors.New("unknown notification status")
	ErrNotCorroborated = errors.New("gateway did not corroborate notification")
)

// Delivery - входящий запрос от прокси в неизменном виде
type Delivery struct {
	Body        []byte
	ContentType string
	Signature   string
}

type Ingestor interface {
	// Ingest возвращает итог приема. Ошибка выдачи заказа сюда не попадает:
	// шлюзу отвечаем успехом, долг по выдаче виден на заказе.
	Ingest(ctx context.Context, d Delivery) (model.WebhookOutcome, error)
}

type ingestor struct {
	cfg      config.Config
	verifier Verifier
	validate *validator.Validate
	store    store.Store
	machine  payment.Machine
	gateway  gateway.Client
	metrics  *metrics.Metrics
	zaplog   *zap.Logger
}

// NewIngestor; gw нужен только при сверке с шлюзом
func NewIngestor(cfg config.Config, s store.Store, machine payment.Machine, gw gateway.Client, m *metrics.Metrics, zaplog *zap.Logger) (Ingestor, error) {
	verifier, err := NewVerifier(cfg.SignatureScheme, cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Corroborate && gw == nil {
		return nil, errors.New("webhook corroboration needs a gateway client")
	}
	return &ingestor{
		cfg:      cfg,
		verifier: verifier,
		validate: newValidator(),
		store:    s,
		machine:  machine,
		gateway:  gw,
		metrics:  m,
		zaplog:   zaplog,
	}, nil
}

func (in *ingestor) Ingest(ctx context.Context, d Delivery) (model.WebhookOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, in.cfg.Timeout)
	defer cancel()

	event := model.WebhookEvent{
		ID:         uuid.NewString(),
		Payload:    d.Body,
		ReceivedAt: time.Now().UTC(),
	}
	outcome, err := in.ingest(ctx, d, &event)

	event.Outcome = outcome
	if err != nil {
		event.Error = err.Error()
	}
	// аудит пишется и по отклоненным уведомлениям, даже если время вышло
	if saveErr := in.store.WebhookEventSave(context.WithoutCancel(ctx), event); saveErr != nil {
		in.zaplog.Error("webhook audit not saved", zap.String("event_id", event.ID), zap.Error(saveErr))
	}
	in.metrics.Webhooks.WithLabelValues(string(outcome)).Inc()

	log := in.zaplog.With(
		zap.String("event_id", event.ID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("payment_id", event.Payment),
		zap.String("outcome", string(outcome)))
	switch outcome {
	case model.WebhookAccepted:
		log.Info("webhook accepted")
	case model.WebhookProcessingFailed:
		log.Error("webhook processing failed", zap.Error(err))
	default:
		log.Warn("webhook rejected", zap.Error(err))
	}
	return outcome, err
}

func (in *ingestor) ingest(ctx context.Context, d Delivery, event *model.WebhookEvent) (model.WebhookOutcome, error) {
	if err := in.verifier.Verify(d.Body, d.Signature); err != nil {
		return model.WebhookBadSignature, err
	}
	event.SignatureValid = true

	n, err := parseNotification(d.Body, d.ContentType)
	if err != nil {
		return model.WebhookUnparsable, err
	}
	event.TransactionID = n.TransactionID
	if err = in.validate.Struct(n); err != nil {
		return model.WebhookUnparsable, fmt.Errorf("%w: %w", ErrUnparsable, err)
	}
	amount, err := gateway.MinorUnits(n.Amount)
	if err != nil {
		return model.WebhookUnparsable, fmt.Errorf("%w: %w", ErrUnparsable, err)
	}

	reported, err := payment.MapStatus(n.Status)
	if err != nil {
		return model.WebhookUnknownStatus, fmt.Errorf("%w: %q", ErrUnknownStatus, n.Status)
	}

	p, err := in.resolve(ctx, n)
	if err != nil {
		if errors.Is(err, ErrUnknownPayment) {
			return model.WebhookUnknownPayment, err
		}
		return model.WebhookProcessingFailed, err
	}
	event.Payment = p.ID

	if diff := amount - p.Amount; diff > in.cfg.AmountTolerance || -diff > in.cfg.AmountTolerance {
		return model.WebhookAmountMismatch, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, p.Amount, amount)
	}

	if in.cfg.Corroborate {
		if reported, err = in.corroborate(ctx, n, p, reported); err != nil {
			return model.WebhookProcessingFailed, err
		}
	}

	_, err = in.machine.ApplyTransition(ctx, payment.Transition{
		PaymentID:     p.ID,
		Reported:      reported,
		ExternalTxnID: n.TransactionID,
		RawPayload:    d.Body,
		Source:        payment.SourceWebhook,
	})
	switch {
	case errors.Is(err, payment.ErrTxnMismatch):
		return model.WebhookUnknownPayment, err
	case err != nil:
		return model.WebhookProcessingFailed, err
	}
	return model.WebhookAccepted, nil
}

// resolve ищет платеж по номеру транзакции, затем по номеру заказа из тела:
// активный платеж заказа, а если его нет - последний
func (in *ingestor) resolve(ctx context.Context, n Notification) (model.Payment, error) {
	p, err := in.store.PaymentGetByTxn(ctx, n.TransactionID)
	switch {
	case err == nil:
		return p, nil
	case !errors.Is(err, store.ErrNoRows):
		return model.Payment{}, err
	}

	if n.OrderRef == "" || !payment.ValidNumber(n.OrderRef) {
		return model.Payment{}, ErrUnknownPayment
	}
	payments, err := in.store.PaymentListByOrder(ctx, n.OrderRef)
	if err != nil {
		return model.Payment{}, err
	}
	if len(payments) == 0 {
		return model.Payment{}, ErrUnknownPayment
	}
	for _, p := range payments {
		if !p.Status.Terminal() {
			return p, nil
		}
	}
	return payments[len(payments)-1], nil
}

// corroborate берет статус из ответа шлюза: он авторитетнее тела уведомления
func (in *ingestor) corroborate(ctx context.Context, n Notification, p model.Payment, reported model.PaymentStatus) (model.PaymentStatus, error) {
	ref := n.TransactionID
	if ref == "" {
		ref = p.ID
	}
	answer, err := in.gateway.GetTransaction(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotCorroborated, err)
	}
	confirmed, err := payment.MapStatus(answer.Status)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotCorroborated, err)
	}
	if confirmed != reported {
		in.zaplog.Warn("webhook status differs from gateway",
			zap.String("payment_id", p.ID),
			zap.String("reported", string(reported)),
			zap.String("confirmed", string(confirmed)))
	}
	return confirmed, nil
}
