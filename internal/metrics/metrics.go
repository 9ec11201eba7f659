package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheLookupOutcome captures how a binding resolved against the cache.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh entry was served without a network call.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates an entry existed but failed the freshness check.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupBypass indicates the policy or a forced refetch skipped the cache.
	CacheLookupBypass CacheLookupOutcome = "bypass"
)

// CacheStoreOutcome captures the result of a cache write attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the payload was written.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreSkipped indicates the response asked not to be stored.
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	// CacheStoreStale indicates a newer request or an invalidation won.
	CacheStoreStale CacheStoreOutcome = "stale"
	// CacheStoreError indicates the backend rejected the write.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for fetch, cache and confirmation
// activity. A nil Recorder is a no-op.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	cacheStores  *prometheus.CounterVec

	superseded *prometheus.CounterVec

	confirmationTransitions *prometheus.CounterVec
	confirmationPolls       *prometheus.CounterVec
	confirmationCancels     *prometheus.CounterVec
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

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Network calls issued by the fetch coordinator, by outcome kind.",
	}, []string{"method", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storesync",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed network calls.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	}, []string{"method", "outcome"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Resource cache lookups performed by bindings.",
	}, []string{"result"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Resource cache write attempts after successful fetches.",
	}, []string{"result"})

	superseded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "binding",
		Name:      "superseded_total",
		Help:      "Fetch results discarded because a newer request was issued.",
	}, []string{"reason"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "confirmation",
		Name:      "transitions_total",
		Help:      "Terminal transitions of confirmation sessions.",
	}, []string{"status"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "confirmation",
		Name:      "polls_total",
		Help:      "Status polls issued by confirmation sessions.",
	}, []string{"result"})

	cancels := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storesync",
		Subsystem: "confirmation",
		Name:      "cancellations_total",
		Help:      "Order cancellation calls issued by confirmation sessions.",
	}, []string{"origin", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheLookups, cacheStores, superseded, transitions, polls, cancels)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:                reg,
		handler:                 handler,
		fetchRequests:           fetchRequests,
		fetchLatency:            fetchLatency,
		cacheLookups:            cacheLookups,
		cacheStores:             cacheStores,
		superseded:              superseded,
		confirmationTransitions: transitions,
		confirmationPolls:       polls,
		confirmationCancels:     cancels,
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

// ObserveFetch records the outcome and latency of one network call.
func (r *Recorder) ObserveFetch(method, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := strings.ToUpper(normalizeLabel(method))
	outcomeLabel := normalizeLabel(outcome)
	r.fetchRequests.WithLabelValues(methodLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(methodLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records how a binding resolved against the cache.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheLookupMiss)
	}
	r.cacheLookups.WithLabelValues(label).Inc()
}

// ObserveCacheStore records the result of a cache write attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheStoreError)
	}
	r.cacheStores.WithLabelValues(label).Inc()
}

// ObserveSuperseded records a result dropped in favour of a newer request.
func (r *Recorder) ObserveSuperseded(reason string) {
	if r == nil {
		return
	}
	r.superseded.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveTransition records a confirmation session reaching a terminal status.
func (r *Recorder) ObserveTransition(status string) {
	if r == nil {
		return
	}
	r.confirmationTransitions.WithLabelValues(normalizeLabel(strings.ToLower(status))).Inc()
}

// ObservePoll records one status poll; result is the classified status or
// "error".
func (r *Recorder) ObservePoll(result string) {
	if r == nil {
		return
	}
	r.confirmationPolls.WithLabelValues(normalizeLabel(strings.ToLower(result))).Inc()
}

// ObserveCancel records an order cancellation attempt. origin is "user" or
// "expiry".
func (r *Recorder) ObserveCancel(origin string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.confirmationCancels.WithLabelValues(normalizeLabel(origin), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
