// README: Prometheus collectors for session transitions, feed faults, and matching outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_session_transitions_total",
		Help: "Session phase transitions by role and target phase",
	}, []string{"role", "phase"})

	SessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_session_events_total",
		Help: "Push event codes consumed by role and code name",
	}, []string{"role", "code"})

	FeedFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_feed_faults_total",
		Help: "Feed faults by role and classified kind",
	}, []string{"role", "kind"})

	MatchingOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_matching_outcomes_total",
		Help: "Rider matching wait outcomes (matched, timeout, failed, aborted)",
	}, []string{"outcome"})

	BusyRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_session_busy_rejections_total",
		Help: "Intents rejected because another intent was pending on the same session",
	}, []string{"role"})

	NoticesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robotaxi_notices_total",
		Help: "User-visible notices emitted by role and level",
	}, []string{"role", "level"})

	GatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "robotaxi_gateway_call_duration_seconds",
		Help:    "Order gateway call latency by operation and result",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})
)

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func IncTransition(role, phase string) {
	SessionTransitionsTotal.WithLabelValues(label(role), label(phase)).Inc()
}

func IncEvent(role, code string) {
	SessionEventsTotal.WithLabelValues(label(role), label(code)).Inc()
}

func IncFeedFault(role, kind string) {
	FeedFaultsTotal.WithLabelValues(label(role), label(kind)).Inc()
}

func IncMatchingOutcome(outcome string) {
	MatchingOutcomesTotal.WithLabelValues(label(outcome)).Inc()
}

func IncBusyRejection(role string) {
	BusyRejectionsTotal.WithLabelValues(label(role)).Inc()
}

func IncNotice(role, level string) {
	NoticesTotal.WithLabelValues(label(role), label(level)).Inc()
}

// ObserveGatewayCall records the latency of one gateway call started at start.
func ObserveGatewayCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayCallDuration.WithLabelValues(label(op), result).Observe(time.Since(start).Seconds())
}
