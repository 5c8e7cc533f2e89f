// Package telemetry exposes Prometheus collectors for the stock engine and
// the HTTP surface. Every method is safe to call on a nil *Metrics, so
// callers never need to check whether metrics are enabled.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medstock"

type Metrics struct {
	dosesMarked      prometheus.Counter
	dosesUnmarked    prometheus.Counter
	noopGuards       *prometheus.CounterVec
	stockConsumed    prometheus.Counter
	reductionRuns    *prometheus.CounterVec
	reductionReduced prometheus.Gauge
	purchases        prometheus.Counter
	purchaseAmount   prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dosesMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "doses_marked_total",
			Help: "Doses marked as taken.",
		}),
		dosesUnmarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "doses_unmarked_total",
			Help: "Doses unmarked after being taken.",
		}),
		noopGuards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "noop_guards_total",
			Help: "Engine calls that were accepted without side effects.",
		}, []string{"operation"}),
		stockConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_units_consumed_total",
			Help: "Units of stock consumed by doses and daily reductions.",
		}),
		reductionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "daily_reduction_runs_total",
			Help: "Daily stock reduction invocations by outcome.",
		}, []string{"outcome"}),
		reductionReduced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_reduction_last_reduced",
			Help: "Medications reduced by the last completed daily reduction.",
		}),
		purchases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "purchases_recorded_total",
			Help: "Purchase history entries recorded.",
		}),
		purchaseAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "purchase_amount_total",
			Help: "Sum of recorded purchase amounts.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.dosesMarked, m.dosesUnmarked, m.noopGuards, m.stockConsumed,
		m.reductionRuns, m.reductionReduced, m.purchases, m.purchaseAmount,
		m.httpRequests, m.httpLatency,
	)
	return m
}

func (m *Metrics) DoseMarked() {
	if m == nil {
		return
	}
	m.dosesMarked.Inc()
}

func (m *Metrics) DoseUnmarked() {
	if m == nil {
		return
	}
	m.dosesUnmarked.Inc()
}

// NoopGuard counts an idempotence guard hit for operation.
func (m *Metrics) NoopGuard(operation string) {
	if m == nil {
		return
	}
	m.noopGuards.WithLabelValues(operation).Inc()
}

func (m *Metrics) StockConsumed(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.stockConsumed.Add(float64(units))
}

// ReductionRun counts a reduction run. reduced is recorded only for
// completed runs.
func (m *Metrics) ReductionRun(outcome string, reduced int) {
	if m == nil {
		return
	}
	m.reductionRuns.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.reductionReduced.Set(float64(reduced))
	}
}

func (m *Metrics) PurchaseRecorded(amount float64) {
	if m == nil {
		return
	}
	m.purchases.Inc()
	if amount > 0 {
		m.purchaseAmount.Add(amount)
	}
}

// Middleware records request counts and latency keyed by the matched route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
