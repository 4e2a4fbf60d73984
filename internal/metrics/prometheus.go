package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alarmguard"

// Registry holds the service's Prometheus collectors. All methods are safe
// on a nil receiver so components can run without metrics.
type Registry struct {
	reg *prometheus.Registry

	importOutcomes  *prometheus.CounterVec
	eventsIngested  *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	ruleHits        *prometheus.CounterVec
	lockContention  prometheus.Counter
	profileMatches  *prometheus.CounterVec
	incidents       *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	ruleEngineTime  prometheus.Histogram
	publishFailures prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		importOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "import_outcomes_total",
			Help: "Processed source items by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		eventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Events persisted by adapter.",
		}, []string{"adapter"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_duplicate_total",
			Help: "Duplicate events by dedup tier.",
		}, []string{"tier"}),
		ruleHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_hits_total",
			Help: "Rule hits recorded by rule name.",
		}, []string{"rule"}),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_contention_total",
			Help: "Items skipped because another worker held the content lock.",
		}),
		profileMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "profile_match_total",
			Help: "Profile match results by profile id (none when unmatched).",
		}, []string{"profile", "result"}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "incident_transitions_total",
			Help: "Incident state transitions.",
		}, []string{"transition"}),
		pollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_cycle_duration_seconds",
			Help:    "Duration of a full adapter poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"adapter"}),
		ruleEngineTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rule_engine_duration_seconds",
			Help:    "Rule evaluation time per import batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_publish_failures_total",
			Help: "Alert traces that could not be published.",
		}),
	}
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ImportOutcome(adapter, outcome string) {
	if r == nil {
		return
	}
	r.importOutcomes.WithLabelValues(adapter, outcome).Inc()
}

func (r *Registry) EventsIngested(adapter string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.eventsIngested.WithLabelValues(adapter).Add(float64(n))
}

func (r *Registry) Duplicate(tier string) {
	if r == nil {
		return
	}
	r.duplicates.WithLabelValues(tier).Inc()
}

func (r *Registry) RuleHit(rule string) {
	if r == nil {
		return
	}
	r.ruleHits.WithLabelValues(rule).Inc()
}

func (r *Registry) LockContention() {
	if r == nil {
		return
	}
	r.lockContention.Inc()
}

func (r *Registry) ProfileMatch(profileID string, matched bool) {
	if r == nil {
		return
	}
	result := "matched"
	if !matched {
		result = "not_confident"
	}
	if profileID == "" {
		profileID = "none"
	}
	r.profileMatches.WithLabelValues(profileID, result).Inc()
}

func (r *Registry) Incident(transition string) {
	if r == nil {
		return
	}
	r.incidents.WithLabelValues(transition).Inc()
}

func (r *Registry) ObservePoll(adapter string, d time.Duration) {
	if r == nil {
		return
	}
	r.pollDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

func (r *Registry) ObserveRuleEngine(d time.Duration) {
	if r == nil {
		return
	}
	r.ruleEngineTime.Observe(d.Seconds())
}

func (r *Registry) PublishFailure() {
	if r == nil {
		return
	}
	r.publishFailures.Inc()
}
