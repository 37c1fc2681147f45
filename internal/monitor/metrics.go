package monitor

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fulfillment/pkg/breaker"
	"fulfillment/pkg/queue"
)

// MetricsCollector holds the service metrics on a private registry.
// Every method is safe on a nil collector.
type MetricsCollector struct {
	registry *prometheus.Registry

	// saga
	ordersTotal        *prometheus.CounterVec
	reservationsTotal  *prometheus.CounterVec
	stockLevel         *prometheus.GaugeVec
	lowStockTotal      *prometheus.CounterVec
	paymentsTotal      *prometheus.CounterVec
	chargeDuration     prometheus.Histogram
	compensationsTotal *prometheus.CounterVec

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// queue
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	deliveryTotal    *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	// dependencies
	dbConnectionsInUse prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	breakerState       *prometheus.GaugeVec
	goroutineCount     prometheus.Gauge
}

// NewMetricsCollector creates a collector whose metric names start with namespace
func NewMetricsCollector(namespace, service string) *MetricsCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, registry))
	mc := &MetricsCollector{registry: registry}

	mc.ordersTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders by lifecycle transition",
	}, []string{"status"})

	mc.reservationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_reservations_total",
		Help:      "Reservation lines by result",
	}, []string{"result"})

	mc.stockLevel = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stock_available",
		Help:      "Available stock after the last reservation",
	}, []string{"product_id"})

	mc.lowStockTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_low_total",
		Help:      "Reservations that left a product below its threshold",
	}, []string{"product_id"})

	mc.paymentsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payment attempts by outcome",
	}, []string{"outcome"})

	mc.chargeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_charge_duration_seconds",
		Help:      "Duration of gateway charges",
		Buckets:   prometheus.DefBuckets,
	})

	mc.compensationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Compensating actions by kind",
	}, []string{"kind"})

	mc.httpRequestTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	mc.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	mc.publishTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Published events by result",
	}, []string{"event", "status"})

	mc.publishDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_publish_duration_seconds",
		Help:      "Duration of publishes including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	mc.deliveryTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Consumed events by outcome",
	}, []string{"event", "outcome"})

	mc.deliveryDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_handle_duration_seconds",
		Help:      "Duration of event handlers",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	mc.dbConnectionsInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Database connections in use",
	})

	mc.dbConnectionsIdle = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle database connections",
	})

	mc.breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "0 closed, 1 half-open, 2 open",
	}, []string{"name"})

	mc.goroutineCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})

	return mc
}

// Handler serves the registry in the Prometheus text format
func (mc *MetricsCollector) Handler() http.Handler {
	if mc == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// Registry returns the private registry
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// RecordOrder counts an order transition: created, confirmed, failed
func (mc *MetricsCollector) RecordOrder(status string) {
	if mc == nil {
		return
	}
	mc.ordersTotal.WithLabelValues(status).Inc()
}

// RecordReservation counts reservation lines: reserved, existing, failed
func (mc *MetricsCollector) RecordReservation(result string, n int) {
	if mc == nil || n == 0 {
		return
	}
	mc.reservationsTotal.WithLabelValues(result).Add(float64(n))
}

// RecordStockLevel updates the stock gauge and counts low stock
func (mc *MetricsCollector) RecordStockLevel(productID string, available int, low bool) {
	if mc == nil {
		return
	}
	mc.stockLevel.WithLabelValues(productID).Set(float64(available))
	if low {
		mc.lowStockTotal.WithLabelValues(productID).Inc()
	}
}

// RecordPayment counts a payment outcome: success, failed, replayed, conflict, rejected
func (mc *MetricsCollector) RecordPayment(outcome string) {
	if mc == nil {
		return
	}
	mc.paymentsTotal.WithLabelValues(outcome).Inc()
}

// RecordCharge observes a gateway call
func (mc *MetricsCollector) RecordCharge(duration time.Duration) {
	if mc == nil {
		return
	}
	mc.chargeDuration.Observe(duration.Seconds())
}

// RecordCompensation counts a compensating action
func (mc *MetricsCollector) RecordCompensation(kind string, n int) {
	if mc == nil || n == 0 {
		return
	}
	mc.compensationsTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObservePublish implements queue.Observer
func (mc *MetricsCollector) ObservePublish(event string, err error, elapsed time.Duration) {
	if mc == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	mc.publishTotal.WithLabelValues(event, status).Inc()
	mc.publishDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

// ObserveDelivery implements queue.Observer
func (mc *MetricsCollector) ObserveDelivery(event string, outcome queue.Outcome, elapsed time.Duration) {
	if mc == nil {
		return
	}
	if event == "" {
		event = "undecodable"
	}
	mc.deliveryTotal.WithLabelValues(event, string(outcome)).Inc()
	mc.deliveryDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

// UpdateDBConnections updates the pool gauges
func (mc *MetricsCollector) UpdateDBConnections(stats sql.DBStats) {
	if mc == nil {
		return
	}
	mc.dbConnectionsInUse.Set(float64(stats.InUse))
	mc.dbConnectionsIdle.Set(float64(stats.Idle))
}

// UpdateBreakerStates copies breaker states into the gauge
func (mc *MetricsCollector) UpdateBreakerStates(states map[string]breaker.State) {
	if mc == nil {
		return
	}
	for name, state := range states {
		var v float64
		switch state {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		mc.breakerState.WithLabelValues(name).Set(v)
	}
}

// StartSystemMetricsCollection samples the pool, breakers and goroutines until ctx is done
func (mc *MetricsCollector) StartSystemMetricsCollection(ctx context.Context, interval time.Duration, db *sql.DB, breakers *breaker.Manager) {
	if mc == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.goroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				mc.UpdateDBConnections(db.Stats())
			}
			if breakers != nil {
				mc.UpdateBreakerStates(breakers.States())
			}
		}
	}
}

var _ queue.Observer = (*MetricsCollector)(nil)
