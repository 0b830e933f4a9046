package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/handler/config"
	"github.com/iurnickita/paycore/internal/inventory"
	"github.com/iurnickita/paycore/internal/logger"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/payment"
	"github.com/iurnickita/paycore/internal/webhook"
)

// Тело уведомления шлюза больше этого не бывает
const maxWebhookBody = 1 << 20

// Serve работает до отмены ctx, затем дожидается текущих запросов
func Serve(ctx context.Context, cfg config.Config, h *Handler) error {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type Handler struct {
	ingestor        webhook.Ingestor
	signatureHeader string
	opener          payment.Opener
	inventory       inventory.Ledger
	reporter        inventory.Reporter
	metrics         *metrics.Metrics
	zaplog          *zap.Logger
}

func NewHandler(ingestor webhook.Ingestor, signatureHeader string, opener payment.Opener, inv inventory.Ledger, reporter inventory.Reporter, m *metrics.Metrics, zaplog *zap.Logger) *Handler {
	return &Handler{
		ingestor:        ingestor,
		signatureHeader: signatureHeader,
		opener:          opener,
		inventory:       inv,
		reporter:        reporter,
		metrics:         m,
		zaplog:          zaplog,
	}
}

// Снаружи меняет состояние только POST /api/webhook
func (h *Handler) NewRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhook", h.instrument("webhook", h.PostWebhook))
	mux.HandleFunc("GET /api/payments/{id}", h.instrument("payment", h.GetPayment))
	mux.HandleFunc("GET /api/orders/{id}", h.instrument("order", h.GetOrder))
	mux.HandleFunc("GET /api/inventory/low-stock", h.instrument("low_stock", h.GetLowStock))
	mux.HandleFunc("GET /api/inventory/stock", h.instrument("stock", h.GetStock))
	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}

func (h *Handler) instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	return logger.RequestLogMdlw(h.metricsMdlw(name, fn), h.zaplog)
}

func (h *Handler) metricsMdlw(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wl := logger.NewResponseWriterLogger(w)
		start := time.Now()
		fn(wl, r)
		h.metrics.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		h.metrics.Requests.WithLabelValues(name, strconv.Itoa(wl.StatusCode())).Inc()
	}
}

// PostWebhook отвечает быстро и не зависит от исхода выдачи заказа
func (h *Handler) PostWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), webhook.Delivery{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Signature:   r.Header.Get(h.signatureHeader),
	})
	if err != nil {
		switch outcome {
		case model.WebhookBadSignature:
			http.Error(w, string(outcome), http.StatusUnauthorized)
		case model.WebhookUnparsable, model.WebhookUnknownStatus:
			http.Error(w, string(outcome), http.StatusBadRequest)
		case model.WebhookAmountMismatch:
			http.Error(w, string(outcome), http.StatusUnprocessableEntity)
		case model.WebhookUnknownPayment:
			http.Error(w, string(outcome), http.StatusNotFound)
		default:
			// шлюз повторит доставку
			http.Error(w, string(outcome), http.StatusInternalServerError)
		}
		return
	}
	w.Write([]byte(outcome))
}

type GetPaymentJSONResponse struct {
	ID              string    `json:"id"`
	Order           string    `json:"order_id"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Method          string    `json:"method"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.opener.GetPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, paymentJSON(p))
}

func paymentJSON(p model.Payment) GetPaymentJSONResponse {
	return GetPaymentJSONResponse{
		ID:              p.ID,
		Order:           p.Order,
		Status:          string(p.Status),
		Amount:          p.Amount,
		Method:          p.Method,
		TransactionID:   p.ExternalTxnID,
		StatusChangedAt: p.StatusChangedAt,
	}
}

type GetOrderJSONResponse struct {
	Number             string                   `json:"number"`
	Status             string                   `json:"status"`
	Total              int64                    `json:"total"`
	FulfillmentPending bool                     `json:"fulfillment_pending"`
	FulfillmentFailed  bool                     `json:"fulfillment_failed"`
	FulfillmentError   string                   `json:"fulfillment_error,omitempty"`
	CodesDelivered     int                      `json:"codes_delivered"`
	Items              []OrderItemJSON          `json:"items"`
	Payments           []GetPaymentJSONResponse `json:"payments"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

type OrderItemJSON struct {
	Position     int    `json:"position"`
	Kind         string `json:"kind"`
	Denomination string `json:"denomination_id,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Fulfilled    bool   `json:"fulfilled"`
	Error        string `json:"error,omitempty"`
}

// GetOrder не отдает сами коды, только их количество
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := r.PathValue("id")

	order, err := h.opener.GetOrder(ctx, number)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payments, err := h.opener.GetPayments(ctx, number)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	codes, err := h.inventory.Codes(ctx, number)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	orderJSON := GetOrderJSONResponse{
		Number:             order.Number,
		Status:             string(order.Data.Status),
		Total:              order.Data.Total,
		FulfillmentPending: order.Data.FulfillmentPending,
		FulfillmentFailed:  order.Data.FulfillmentFailed,
		FulfillmentError:   order.Data.FulfillmentError,
		CodesDelivered:     len(codes),
		Items:              []OrderItemJSON{},
		Payments:           []GetPaymentJSONResponse{},
		UpdatedAt:          order.Data.UpdatedAt,
	}
	for _, item := range order.Items {
		orderJSON.Items = append(orderJSON.Items, OrderItemJSON{
			Position:     item.Position,
			Kind:         string(item.Kind),
			Denomination: item.DenominationID,
			Quantity:     item.Quantity,
			Amount:       item.Amount,
			Fulfilled:    item.Fulfilled,
			Error:        item.Error,
		})
	}
	for _, p := range payments {
		orderJSON.Payments = append(orderJSON.Payments, paymentJSON(p))
	}
	writeJSON(w, orderJSON)
}

type StockJSONResponse struct {
	Denomination string `json:"denomination_id"`
	Product      string `json:"product"`
	Label        string `json:"label"`
	Available    int    `json:"available"`
	Threshold    int    `json:"threshold"`
	Low          bool   `json:"low"`
}

func (h *Handler) GetLowStock(w http.ResponseWriter, r *http.Request) {
	levels, err := h.reporter.LowStock(r.Context())
	h.writeStock(w, levels, err)
}

func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	levels, err := h.reporter.Stock(r.Context())
	h.writeStock(w, levels, err)
}

func (h *Handler) writeStock(w http.ResponseWriter, levels []model.StockLevel, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(levels) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var stockJSON []StockJSONResponse
	for _, level := range levels {
		stockJSON = append(stockJSON, StockJSONResponse{
			Denomination: level.Denomination.ID,
			Product:      level.Denomination.Product,
			Label:        level.Denomination.Label,
			Available:    level.Available,
			Threshold:    level.Denomination.LowStockThreshold,
			Low:          level.Low(),
		})
	}
	writeJSON(w, stockJSON)
}

func writeJSON(w http.ResponseWriter, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJSON)
}
