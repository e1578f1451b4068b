// Package metrics provides Prometheus instrumentation for the link guardian.
// It exposes counters for analyses and moderation actions, and histograms for
// analysis latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts chat messages seen by the pipeline, labeled by
	// outcome: "scanned", "no_links", "gated", "ignored".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// AnalysesTotal counts URL analyses, labeled by final threat level or
	// "failed" when the deadline was exceeded.
	AnalysesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_analyses_total",
		Help: "Total number of URL analyses by resulting level",
	}, []string{"level"})

	// CacheTotal counts verdict cache lookups: "hit" or "miss".
	CacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_verdict_cache_total",
		Help: "Verdict cache lookups",
	}, []string{"result"})

	// ChecksTotal counts heuristic checks, labeled by check name and status
	// ("completed" or "failed").
	ChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_checks_total",
		Help: "Heuristic checks run, by check and status",
	}, []string{"check", "status"})

	// AICallsTotal counts calls to the AI backend by step and status.
	AICallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_ai_calls_total",
		Help: "AI backend calls, by step and status",
	}, []string{"step", "status"})

	// AnalysisDuration records end-to-end time to a combined verdict.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkguard_analysis_duration_seconds",
		Help:    "Time to produce a combined verdict",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 45},
	})

	// ModerationActions counts escalation actions: "warning", "delete",
	// "mute", "ban", "unmute".
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_moderation_actions_total",
		Help: "Moderation actions taken",
	}, []string{"action"})

	// ModerationFailures counts platform operations that failed during
	// escalation, labeled by operation.
	ModerationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkguard_moderation_failures_total",
		Help: "Failed platform operations during moderation",
	}, []string{"op"})

	// SweepExpired counts mutes lifted by the expiry sweep.
	SweepExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkguard_sweep_expired_total",
		Help: "Expired mutes lifted by the sweep",
	})

	// SweepBacklog tracks expired mutes the last sweep could not lift.
	SweepBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkguard_sweep_backlog",
		Help: "Expired mutes left for the next sweep",
	})

	// ThreatListSize tracks the entries of the current threat-list snapshot.
	ThreatListSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkguard_threatlist_entries",
		Help: "Entries in the current threat-list snapshot",
	}, []string{"list"})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		AnalysesTotal,
		CacheTotal,
		ChecksTotal,
		AICallsTotal,
		AnalysisDuration,
		ModerationActions,
		ModerationFailures,
		SweepExpired,
		SweepBacklog,
		ThreatListSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
