package pbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	AuditFailures    prometheus.Counter
	PolicyMutations  *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh registry so
// that several engines can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pbac_decisions_total",
			Help: "Authorization decisions by outcome",
		}, []string{"outcome"}),
		DecisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbac_decision_duration_seconds",
			Help:    "Time to evaluate and record an authorization decision",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "pbac_decision_cache_hits_total",
			Help: "Decisions served from the decision cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "pbac_decision_cache_misses_total",
			Help: "Decisions evaluated against the policy set",
		}),
		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pbac_audit_failures_total",
			Help: "Audit entries that could not be persisted",
		}),
		PolicyMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pbac_policy_mutations_total",
			Help: "Policy create, update and delete operations",
		}, []string{"op"}),
	}
}

func (m *Metrics) observeDecision(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(outcome)).Inc()
	m.DecisionDuration.Observe(d.Seconds())
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) auditFailed() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

func (m *Metrics) policyMutated(op string) {
	if m != nil {
		m.PolicyMutations.WithLabelValues(op).Inc()
	}
}
