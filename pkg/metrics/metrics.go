// Package metrics exposes Prometheus instrumentation for the settlement
// engine: order and settlement counters, open-interest and vault gauges, and
// oracle round latency.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	ordersSubmitted  prometheus.Counter
	ordersSettled    prometheus.Counter
	ordersCanceled   prometheus.Counter
	botOrdersFired   prometheus.Counter
	adlClosings      prometheus.Counter
	oracleRoundSecs  prometheus.Histogram
	oracleAnswers    prometheus.Counter
	openInterest     prometheus.GaugeVec
	vaultTVL         prometheus.Gauge
	vaultShareSupply prometheus.Gauge
	platformFee      prometheus.Gauge
	wsClients        prometheus.Gauge

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the collectors under the given namespace and registers them.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders admitted into a price round",
		}),
		ordersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_settled_total",
			Help:      "Orders settled against a delivered price",
		}),
		ordersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_canceled_total",
			Help:      "Orders canceled at settlement or by timeout",
		}),
		botOrdersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_orders_fired_total",
			Help:      "TP/SL/liquidation/limit triggers executed",
		}),
		adlClosings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adl_closings_total",
			Help:      "Positions force-closed by deleveraging",
		}),
		oracleRoundSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_round_seconds",
			Help:      "Time from price request to quorum",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		oracleAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_answers_total",
			Help:      "Node answers accepted into rounds",
		}),
		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_usdt",
			Help:      "Open interest per pair and side, 6-decimal USDT",
		}, []string{"pair", "side"}),
		vaultTVL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_assets_usdt",
			Help:      "Vault total assets, 6-decimal USDT",
		}),
		vaultShareSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_share_supply",
			Help:      "Outstanding vault shares, 6 decimals",
		}),
		platformFee: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "platform_fee_usdt",
			Help:      "Accrued platform fees, 6-decimal USDT",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected event-stream clients",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.ordersSettled,
		m.ordersCanceled,
		m.botOrdersFired,
		m.adlClosings,
		m.oracleRoundSecs,
		m.oracleAnswers,
		m.openInterest,
		m.vaultTVL,
		m.vaultShareSupply,
		m.platformFee,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port in the background.
func (m *Metrics) StartServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "err", err)
		}
	}()
	m.logger.Info("prometheus metrics available", "port", port)
}

// RecordOrderSubmitted counts an order entering a price round.
func (m *Metrics) RecordOrderSubmitted() { m.ordersSubmitted.Inc() }

// RecordOrderSettled counts a settled execution.
func (m *Metrics) RecordOrderSettled() { m.ordersSettled.Inc() }

// RecordOrderCanceled counts a canceled or timed-out order.
func (m *Metrics) RecordOrderCanceled() { m.ordersCanceled.Inc() }

// RecordBotOrder counts an executed trigger.
func (m *Metrics) RecordBotOrder() { m.botOrdersFired.Inc() }

// RecordAdlClosing counts a force-closed position.
func (m *Metrics) RecordAdlClosing() { m.adlClosings.Inc() }

// RecordOracleRound observes the request-to-quorum latency.
func (m *Metrics) RecordOracleRound(d time.Duration) { m.oracleRoundSecs.Observe(d.Seconds()) }

// RecordOracleAnswer counts an accepted node answer.
func (m *Metrics) RecordOracleAnswer() { m.oracleAnswers.Inc() }

// SetOpenInterest updates the per-pair per-side OI gauge.
func (m *Metrics) SetOpenInterest(pair, side string, usdt float64) {
	m.openInterest.WithLabelValues(pair, side).Set(usdt)
}

// SetVaultTVL updates the vault asset gauge.
func (m *Metrics) SetVaultTVL(usdt float64) { m.vaultTVL.Set(usdt) }

// SetVaultShareSupply updates the share supply gauge.
func (m *Metrics) SetVaultShareSupply(shares float64) { m.vaultShareSupply.Set(shares) }

// SetPlatformFee updates the accrued fee gauge.
func (m *Metrics) SetPlatformFee(usdt float64) { m.platformFee.Set(usdt) }

// SetWSClients updates the connected client gauge.
func (m *Metrics) SetWSClients(n float64) { m.wsClients.Set(n) }

// CollectSystemMetrics samples runtime stats until the context ends.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
