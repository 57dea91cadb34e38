package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook reconciliation metrics
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookEventDuration   *prometheus.HistogramVec
	WebhookRejectionsTotal *prometheus.CounterVec

	// Ledger metrics
	TokenConsumptionsTotal  *prometheus.CounterVec
	LedgerOperationDuration *prometheus.HistogramVec
	LedgerErrorsTotal       *prometheus.CounterVec
	BalancesRefreshedTotal  prometheus.Counter

	// Plan catalog
	PlanCatalogReloadsTotal *prometheus.CounterVec
	PlanCatalogEntries      prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantipack_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_webhook_events_total",
				Help: "Billing webhook events by type and reconciliation outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantipack_webhook_event_duration_seconds",
				Help:    "Time spent reconciling a billing webhook event",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"event_type"},
		),
		WebhookRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_webhook_rejections_total",
				Help: "Billing webhook deliveries rejected before dispatch",
			},
			[]string{"reason"},
		),

		TokenConsumptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_token_consumptions_total",
				Help: "Token consumption attempts by result",
			},
			[]string{"result"},
		),
		LedgerOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantipack_ledger_operation_duration_seconds",
				Help:    "Entitlement ledger operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		LedgerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_ledger_errors_total",
				Help: "Entitlement ledger operation failures",
			},
			[]string{"operation"},
		),
		BalancesRefreshedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantipack_free_balances_refreshed_total",
				Help: "Free-tier token balances refreshed by the sweeper",
			},
		),

		PlanCatalogReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantipack_plan_catalog_reloads_total",
				Help: "Plan catalog reload attempts by status",
			},
			[]string{"status"},
		),
		PlanCatalogEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantipack_plan_catalog_entries",
				Help: "Number of price ids in the active plan catalog",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookEventDuration,
		m.WebhookRejectionsTotal,
		m.TokenConsumptionsTotal,
		m.LedgerOperationDuration,
		m.LedgerErrorsTotal,
		m.BalancesRefreshedTotal,
		m.PlanCatalogReloadsTotal,
		m.PlanCatalogEntries,
	)

	return m
}

// ObserveLedgerOperation records the duration of a ledger operation and
// counts it as an error when err is non-nil. Safe on a nil receiver.
func (m *Metrics) ObserveLedgerOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.LedgerErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
