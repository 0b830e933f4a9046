package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paycore"

type Metrics struct {
	registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	LatencyMS      *prometheus.HistogramVec
	Webhooks       *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Fulfillments   *prometheus.CounterVec
	Claims         *prometheus.CounterVec
	ResyncRuns     *prometheus.CounterVec
	ResyncProbes   *prometheus.CounterVec
	WalletOps      *prometheus.CounterVec
	StockAvailable *prometheus.GaugeVec
}

// New регистрирует коллекторы в собственном реестре: несколько экземпляров
// (например, в тестах) не конфликтуют друг с другом.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Gateway notifications by ingestion outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Payment transition attempts by source, reported status and result.",
		}, []string{"source", "status", "result"}),
		Fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_fulfillments_total",
			Help:      "Order fulfillment runs by result.",
		}, []string{"result"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeem_code_claims_total",
			Help:      "Redeem code claims by denomination and result.",
		}, []string{"denomination", "result"}),
		ResyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_runs_total",
			Help:      "Stuck payment resync runs by result.",
		}, []string{"result"}),
		ResyncProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_probes_total",
			Help:      "Gateway probes made by the resync job by result.",
		}, []string{"result"}),
		WalletOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_operations_total",
			Help:      "Wallet ledger operations by kind and result.",
		}, []string{"operation", "result"}),
		StockAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "denomination_available_codes",
			Help:      "Available redeem codes per denomination at the last stock report.",
		}, []string{"denomination"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.LatencyMS,
		m.Webhooks,
		m.Transitions,
		m.Fulfillments,
		m.Claims,
		m.ResyncRuns,
		m.ResyncProbes,
		m.WalletOps,
		m.StockAvailable,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Result - метка результата по ошибке
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
