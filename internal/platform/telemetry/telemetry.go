// Package telemetry exposes Prometheus metrics for the consolidation service:
// HTTP request counters and latencies, database pool gauges and the
// per-group counters of the parallel fan-out.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timeline"

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	MetricsEnabled *bool // nil = use default (true)
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "timeline-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns the registry and every collector registered against it.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	poolActive prometheus.Gauge
	poolIdle   prometheus.Gauge

	fanout *FanoutMetrics
}

// NewProvider creates a provider with its own registry, so tests can build
// as many as they like without colliding on the default registerer.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "version": cfg.ServiceVersion}

	return &Provider{
		cfg:      cfg,
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "HTTP requests by method, route and status code",
			ConstLabels: constLabels,
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "http_active_requests",
			Help:        "Requests currently being served",
			ConstLabels: constLabels,
		}),
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquired_conns",
			Help:      "Acquired database connections",
		}),
		poolIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_conns",
			Help:      "Idle database connections",
		}),
		fanout: NewFanoutMetrics(reg),
	}
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Fanout returns the collectors used by the parallel fan-out.
func (p *Provider) Fanout() *FanoutMetrics {
	return p.fanout
}

// SetPoolStats records database pool gauges.
func (p *Provider) SetPoolStats(acquired, idle int32) {
	p.poolActive.Set(float64(acquired))
	p.poolIdle.Set(float64(idle))
}

// MetricsMiddleware records request count and latency per route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo render the error first so the status is final.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			code := strconv.Itoa(c.Response().Status)

			p.httpRequests.WithLabelValues(method, route, code).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves the registry in the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// FanoutMetrics counts processed and failed groups and observes per-group
// latency. A nil *FanoutMetrics is valid and records nothing.
type FanoutMetrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewFanoutMetrics registers the fan-out collectors. It returns nil when reg
// is nil.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &FanoutMetrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_processed_total",
			Help:      "Groups processed by the fan-out, by mode",
		}, []string{"mode"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_failed_total",
			Help:      "Groups whose processing failed, by mode",
		}, []string{"mode"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_duration_seconds",
			Help:      "Time spent processing one group",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"mode"}),
	}
}

// ObserveGroup records one processed group.
func (m *FanoutMetrics) ObserveGroup(mode string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(mode).Inc()
	if failed {
		m.failed.WithLabelValues(mode).Inc()
	}
	m.latency.WithLabelValues(mode).Observe(d.Seconds())
}
