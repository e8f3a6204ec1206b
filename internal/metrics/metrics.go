// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_submissions_total",
			Help: "Answer submissions by target and outcome",
		},
		[]string{"target", "outcome"},
	)
	TimerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_timer_actions_total",
			Help: "Timer actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livequiz_store_retries_total",
			Help: "Retried fast-store score mutations",
		},
	)
	FlushCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_flush_cycles_total",
			Help: "Durable flush cycles by outcome",
		},
		[]string{"outcome"},
	)
	DroppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livequiz_dropped_messages_total",
			Help: "Messages dropped for slow subscribers",
		},
	)
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_audit_events_total",
			Help: "Audit events handed to the broker by outcome",
		},
		[]string{"outcome"},
	)
	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livequiz_active_rooms",
			Help: "Rooms currently held in memory",
		},
	)
)

func init() {
	prometheus.MustRegister(Submissions)
	prometheus.MustRegister(TimerActions)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(FlushCycles)
	prometheus.MustRegister(DroppedMessages)
	prometheus.MustRegister(AuditEvents)
	prometheus.MustRegister(ActiveRooms)
}

// Outcome labels a result for the counters above.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
