// Package metrics owns the prometheus registry served on the ops listener:
// HTTP server metrics, rate limiter decisions and sweeps, policy load state
// and upstream proxy errors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight        prometheus.Gauge
	reqTotal        *prometheus.CounterVec
	reqDur          *prometheus.HistogramVec
	respBytes       *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// rate limiter
	decisions   *prometheus.CounterVec
	firstDenied *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	sweeps      prometheus.Counter
	sweepDur    prometheus.Histogram
	lastSweepTs prometheus.Gauge

	// policy
	policyInfo       *prometheus.GaugeVec
	policyLoadErrors prometheus.Counter

	upstreamErrors *prometheus.CounterVec
}

// New returns a fresh registry with the Go and process collectors and every
// service metric registered. Labels stay bounded: HTTP routes are chi
// patterns and tiers are a closed set.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Admission decisions by tier and result (allowed|denied)",
		}, []string{"tier", "result"}),
		firstDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_identifiers_limited_total",
			Help: "Times an identifier went over quota for the first time in a window, by tier",
		}, []string{"tier"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Expired windows removed by the sweeper, by tier",
		}, []string{"tier"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweeps_total",
			Help: "Total sweeper passes",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time spent evicting expired windows across all tiers",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		lastSweepTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_last_sweep_timestamp_seconds",
			Help: "Unix timestamp of the last completed sweep",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_info",
			Help: "Active rate limit policy (labels carry identity, value is always 1)",
		}, []string{"source", "version", "signed"}),
		policyLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_policy_load_errors_total",
			Help: "Policy loads that failed and fell back to flag values",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Proxied requests that failed before an upstream response, by kind (busy|canceled|unreachable)",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.decisions,
		m.firstDenied,
		m.evicted,
		m.sweeps,
		m.sweepDur,
		m.lastSweepTs,
		m.policyInfo,
		m.policyLoadErrors,
		m.upstreamErrors,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// TrackRateLimiter exports a live per-tier entry count for r and
// pre-creates the per-tier series so dashboards see zeros before traffic.
func (m *ServerMetrics) TrackRateLimiter(r *ratelimit.Registry) {
	m.reg.MustRegister(newEntriesCollector(r))
	for _, t := range r.Tiers() {
		m.decisions.WithLabelValues(string(t), "allowed")
		m.decisions.WithLabelValues(string(t), "denied")
		m.firstDenied.WithLabelValues(string(t))
		m.evicted.WithLabelValues(string(t))
	}
}

func (m *ServerMetrics) ObserveDecision(tier ratelimit.Tier, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.decisions.WithLabelValues(string(tier), result).Inc()
}

func (m *ServerMetrics) IncFirstDenied(tier ratelimit.Tier) {
	m.firstDenied.WithLabelValues(string(tier)).Inc()
}

func (m *ServerMetrics) AddEvicted(tier ratelimit.Tier, n int) {
	if n > 0 {
		m.evicted.WithLabelValues(string(tier)).Add(float64(n))
	}
}

func (m *ServerMetrics) ObserveSweep(d time.Duration) {
	m.sweeps.Inc()
	m.sweepDur.Observe(d.Seconds())
	m.lastSweepTs.Set(float64(time.Now().Unix()))
}

func (m *ServerMetrics) SetPolicy(source, docVersion string, signed bool) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(source, docVersion, strconv.FormatBool(signed)).Set(1)
}

func (m *ServerMetrics) IncPolicyLoadError() {
	m.policyLoadErrors.Inc()
}

func (m *ServerMetrics) IncUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// entriesCollector reads Limiter.Len at scrape time.
type entriesCollector struct {
	reg  *ratelimit.Registry
	desc *prometheus.Desc
}

func newEntriesCollector(r *ratelimit.Registry) *entriesCollector {
	return &entriesCollector{
		reg: r,
		desc: prometheus.NewDesc(
			"ratelimit_entries",
			"Identifiers currently tracked, including expired windows not yet swept, by tier",
			[]string{"tier"}, nil,
		),
	}
}

func (c *entriesCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *entriesCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.reg.Tiers() {
		l, ok := c.reg.Get(t)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(l.Len()), string(t))
	}
}
