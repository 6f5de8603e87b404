package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tuwen"

// Metrics holds all Prometheus metrics for the service.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// Key metrics
	VerificationsTotal *prometheus.CounterVec
	KeysCreatedTotal   prometheus.Counter

	// Accounting metrics
	RedemptionsTotal      *prometheus.CounterVec
	AccountingErrorsTotal *prometheus.CounterVec

	// Generation metrics
	GenerationDuration    *prometheus.HistogramVec
	CircuitBreakerState   *prometheus.GaugeVec
	UpstreamRequestsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keys",
				Name:      "verifications_total",
				Help:      "Access key verifications by result",
			},
			[]string{"result"},
		),
		KeysCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keys",
				Name:      "created_total",
				Help:      "Access keys issued",
			},
		),
		RedemptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accounting",
				Name:      "redemptions_total",
				Help:      "Recorded redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		AccountingErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accounting",
				Name:      "errors_total",
				Help:      "Accounting writes that failed, by stage",
			},
			[]string{"stage"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Card generation latency",
				Buckets:   defaultBuckets,
			},
			[]string{"status"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "upstream_requests_total",
				Help:      "Calls per upstream Gemini key by result",
			},
			[]string{"key", "result"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}
}

func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordKeyCreated() {
	if m == nil {
		return
	}
	m.KeysCreatedTotal.Inc()
}

func (m *Metrics) RecordRedemption(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.RedemptionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAccountingError(stage string) {
	if m == nil {
		return
	}
	m.AccountingErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordGeneration(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GenerationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordUpstreamRequest counts one call made with the upstream key labelled key.
func (m *Metrics) RecordUpstreamRequest(key string, failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failure"
	}
	m.UpstreamRequestsTotal.WithLabelValues(key, result).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
