package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perpvault/pkg/types"
)

// VaultMetrics exposes vault activity on a private Prometheus registry.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Operation metrics
	operations  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	liquidated  *prometheus.CounterVec
	fundingRuns prometheus.Counter

	// Pricing metrics
	degraded     *prometheus.CounterVec
	priceUpdates *prometheus.CounterVec

	// Ledger gauges
	poolAmount     *prometheus.GaugeVec
	reservedAmount *prometheus.GaugeVec
	guaranteedUsd  *prometheus.GaugeVec
	openPositions  prometheus.Gauge

	// Event fan-out
	eventsPublished prometheus.Counter
	eventErrors     prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates and registers the vault metrics.
func New(namespace string) *VaultMetrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Vault operations by name and result",
		}, []string{"op", "result"}),

		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected vault operations by reason code",
		}, []string{"op", "code"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Vault operation latency in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"op"}),

		liquidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidated positions by liquidation state",
		}, []string{"state"}),

		fundingRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_updates_total",
			Help:      "Cumulative funding rate updates",
		}),

		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_degraded_total",
			Help:      "Degraded price snapshots by asset and reason",
		}, []string{"asset", "reason"}),

		priceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Secondary price updates by result",
		}, []string{"result"}),

		poolAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Pool amount per asset in tokens",
		}, []string{"asset"}),

		reservedAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_amount",
			Help:      "Reserved amount per asset in tokens",
		}, []string{"asset"}),

		guaranteedUsd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guaranteed_usd",
			Help:      "Guaranteed USD per asset",
		}, []string{"asset"}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open positions",
		}),

		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Ledger events handed to the event sink",
		}),

		eventErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Failed event sink publications",
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
		m.operations,
		m.rejections,
		m.latency,
		m.liquidated,
		m.fundingRuns,
		m.degraded,
		m.priceUpdates,
		m.poolAmount,
		m.reservedAmount,
		m.guaranteedUsd,
		m.openPositions,
		m.eventsPublished,
		m.eventErrors,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the underlying registry.
func (m *VaultMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation records the outcome and latency of one vault operation. code is
// empty on success.
func (m *VaultMetrics) RecordOperation(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if code != "" {
		result = "rejected"
		m.rejections.WithLabelValues(op, code).Inc()
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *VaultMetrics) RecordLiquidation(state string) {
	if m == nil {
		return
	}
	m.liquidated.WithLabelValues(state).Inc()
}

func (m *VaultMetrics) RecordFundingUpdate() {
	if m == nil {
		return
	}
	m.fundingRuns.Inc()
}

// RecordDegraded counts a degraded price snapshot once per reason.
func (m *VaultMetrics) RecordDegraded(asset types.Asset, reasons []string) {
	if m == nil {
		return
	}
	for _, r := range reasons {
		m.degraded.WithLabelValues(string(asset), r).Inc()
	}
}

func (m *VaultMetrics) RecordPriceUpdate(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.priceUpdates.WithLabelValues("accepted").Inc()
		return
	}
	m.priceUpdates.WithLabelValues("rejected").Inc()
}

// UpdatePool refreshes the ledger gauges of one asset.
func (m *VaultMetrics) UpdatePool(p *types.PoolState, decimals uint8) {
	if m == nil {
		return
	}
	asset := string(p.Asset)
	m.poolAmount.WithLabelValues(asset).Set(toFloat(p.PoolAmount, decimals))
	m.reservedAmount.WithLabelValues(asset).Set(toFloat(p.ReservedAmount, decimals))
	m.guaranteedUsd.WithLabelValues(asset).Set(toFloat(p.GuaranteedUsd, types.PriceDecimals))
}

func (m *VaultMetrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// RecordEvents records a sink publication of n events.
func (m *VaultMetrics) RecordEvents(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.eventErrors.Inc()
		return
	}
	m.eventsPublished.Add(float64(n))
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
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

// LogMetrics logs a runtime snapshot.
func (m *VaultMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}

func toFloat(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v, -int32(decimals)).Float64()
	return f
}
