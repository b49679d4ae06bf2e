// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_requests_total{endpoint,provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{endpoint,provider}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_validation_failures_total{endpoint,keyword}
	validationFailures *prometheus.CounterVec

	// gateway_classified_errors_total{stage,ownership,attribution}
	classifiedErrors *prometheus.CounterVec

	// gateway_unsupported_param_signals_total{provider,provenance}
	unsupportedParams *prometheus.CounterVec

	// gateway_candidates_exhausted_total{endpoint}
	exhausted *prometheus.CounterVec

	// gateway_stream_commitments_total{provider}
	streamCommits *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,endpoint,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_audit_records_total{sink,result}
	auditRecords *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all attempts)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total pipeline requests by endpoint, final provider and status",
			},
			[]string{"endpoint", "provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end pipeline duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"endpoint", "provider"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes fallbacks)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_validation_failures_total",
				Help: "Requests rejected by schema validation",
			},
			[]string{"endpoint", "keyword"},
		),

		classifiedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_classified_errors_total",
				Help: "Terminal failures by stage, ownership and attribution",
			},
			[]string{"stage", "ownership", "attribution"},
		),

		unsupportedParams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_unsupported_param_signals_total",
				Help: "Unsupported-parameter signals extracted from upstream failures",
			},
			[]string{"provider", "provenance"},
		),

		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_candidates_exhausted_total",
				Help: "Requests that exhausted every candidate without success",
			},
			[]string{"endpoint"},
		),

		streamCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_commitments_total",
				Help: "Streaming attempts committed after the first forwarded chunk",
			},
			[]string{"provider"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "endpoint", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		auditRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_audit_records_total",
				Help: "Audit record emissions by sink and result",
			},
			[]string{"sink", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.validationFailures,
		r.classifiedErrors,
		r.unsupportedParams,
		r.exhausted,
		r.streamCommits,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.auditRecords,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveRequest records one terminal pipeline outcome.
func (r *Registry) ObserveRequest(endpoint, provider string, statusCode int, dur time.Duration) {
	if provider == "" {
		provider = "none"
	}
	r.requestsTotal.WithLabelValues(endpoint, provider, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(endpoint, provider).Observe(dur.Seconds())
}

// ObserveAttempt records one upstream provider attempt.
func (r *Registry) ObserveAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordValidationFailure(endpoint, keyword string) {
	r.validationFailures.WithLabelValues(endpoint, keyword).Inc()
}

func (r *Registry) RecordClassifiedError(stage, ownership, attribution string) {
	r.classifiedErrors.WithLabelValues(stage, ownership, attribution).Inc()
}

func (r *Registry) RecordUnsupportedParam(provider, provenance string) {
	r.unsupportedParams.WithLabelValues(provider, provenance).Inc()
}

func (r *Registry) RecordExhausted(endpoint string) {
	r.exhausted.WithLabelValues(endpoint).Inc()
}

func (r *Registry) RecordStreamCommit(provider string) {
	r.streamCommits.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(provider, endpoint string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, endpoint, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, endpoint, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, endpoint, "total").Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) RecordAuditEmit(sink, result string) {
	r.auditRecords.WithLabelValues(sink, result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
