package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the blob cache method being instrumented.
type CacheOperation string

const (
	CacheOperationGet   CacheOperation = "get"
	CacheOperationPut   CacheOperation = "put"
	CacheOperationPurge CacheOperation = "purge"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	CacheHit    CacheOutcome = "hit"
	CacheMiss   CacheOutcome = "miss"
	CacheStored CacheOutcome = "stored"
	CacheError  CacheOutcome = "error"

	// CacheSkipped is a write refused because its tier was retired.
	CacheSkipped CacheOutcome = "skipped"
)

// Direction labels control messages relative to the worker.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Recorder publishes Prometheus metrics for worker and page activity. All
// methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	policyRequests  *prometheus.CounterVec
	policyLatency   *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	freshnessFetch  *prometheus.CounterVec
	probes          *prometheus.CounterVec
	controlMessages *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
	precache        *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	policyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "policy",
		Name:      "requests_total",
		Help:      "Fetch events served by the policy executor.",
	}, []string{"tier", "policy", "source"})

	policyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fxoffline",
		Subsystem: "policy",
		Name:      "duration_seconds",
		Help:      "Latency distribution for policy executions.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3, 5, 10},
	}, []string{"tier", "policy"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Blob cache operations executed by the worker.",
	}, []string{"operation", "result"})

	freshnessFetch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "freshness",
		Name:      "fetch_total",
		Help:      "Feed fetch routine results by data source.",
	}, []string{"source"})

	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "connectivity",
		Name:      "probes_total",
		Help:      "Origin reachability probes by result.",
	}, []string{"result"})

	controlMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "control",
		Name:      "messages_total",
		Help:      "Control channel messages by type and direction.",
	}, []string{"type", "direction"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Worker generation state transitions.",
	}, []string{"state"})

	precache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fxoffline",
		Name:      "precache_total",
		Help:      "Shell resources attempted during install.",
	}, []string{"result"})

	reg.MustRegister(policyRequests, policyLatency, cacheOperations, freshnessFetch, probes, controlMessages, lifecycle, precache)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		policyRequests:  policyRequests,
		policyLatency:   policyLatency,
		cacheOperations: cacheOperations,
		freshnessFetch:  freshnessFetch,
		probes:          probes,
		controlMessages: controlMessages,
		lifecycle:       lifecycle,
		precache:        precache,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObservePolicy records one policy execution and where its response came from.
func (r *Recorder) ObservePolicy(tier, policy, source string, duration time.Duration) {
	if r == nil {
		return
	}
	tierLabel := normalizeLabel(tier)
	policyLabel := normalizeLabel(policy)
	r.policyRequests.WithLabelValues(tierLabel, policyLabel, normalizeLabel(source)).Inc()
	r.policyLatency.WithLabelValues(tierLabel, policyLabel).Observe(duration.Seconds())
}

// ObserveCache counts one cache operation by outcome.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheOutcome) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheError)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
}

// ObserveFreshness counts freshness results by source.
func (r *Recorder) ObserveFreshness(source string) {
	if r == nil {
		return
	}
	r.freshnessFetch.WithLabelValues(normalizeLabel(source)).Inc()
}

// ObserveProbe counts reachability probes.
func (r *Recorder) ObserveProbe(reachable bool) {
	if r == nil {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	r.probes.WithLabelValues(result).Inc()
}

// ObserveControl counts control messages by type and direction.
func (r *Recorder) ObserveControl(messageType string, direction Direction) {
	if r == nil {
		return
	}
	r.controlMessages.WithLabelValues(normalizeLabel(messageType), normalizeLabel(string(direction))).Inc()
}

// ObserveLifecycle counts state transitions.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObservePrecache counts shell precache attempts.
func (r *Recorder) ObservePrecache(ok bool) {
	if r == nil {
		return
	}
	result := "failed"
	if ok {
		result = "cached"
	}
	r.precache.WithLabelValues(result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
