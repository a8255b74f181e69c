package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivationDuration tracks the latency of activation requests
	ActivationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "activation_duration_seconds",
			Help: "Duration of activation requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
			},
		},
		[]string{"outcome"}, // granted, no_prize, replayed, rejected, failed
	)

	RewardGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activation_reward_grants_total",
		Help: "Rewards granted by reward type",
	}, []string{"reward_type"})

	DomainEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activation_events_total",
		Help: "Domain events published by name",
	}, []string{"event"})

	ReconcilerExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activation_reconciler_expired_total",
		Help: "Activations expired by the reconciler",
	})

	ReconcilerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activation_reconciler_failures_total",
		Help: "Activations the reconciler failed to expire",
	})

	TokenRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activation_token_rejections_total",
		Help: "Benefit tokens rejected on apply",
	})
)

// RecordActivationDuration records the duration of an activation request
func RecordActivationDuration(outcome string, duration float64) {
	ActivationDuration.WithLabelValues(label(outcome)).Observe(duration)
}

func RecordGrant(rewardType string) {
	RewardGrants.WithLabelValues(label(rewardType)).Inc()
}

func RecordEvent(name string) {
	DomainEvents.WithLabelValues(label(name)).Inc()
}

func RecordReconcile(expired, failed int) {
	ReconcilerExpired.Add(float64(expired))
	ReconcilerFailures.Add(float64(failed))
}

func RecordTokenRejection() {
	TokenRejections.Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
