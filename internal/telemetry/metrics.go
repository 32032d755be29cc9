// Package telemetry exposes Prometheus metrics for the click pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClicksAccepted counts clicks that committed to the store.
	ClicksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clickroll_clicks_accepted_total",
		Help: "Number of clicks accepted and committed",
	})

	// ClicksRejected counts clicks rejected before commit, by reason.
	ClicksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clickroll_clicks_rejected_total",
		Help: "Number of clicks rejected before commit",
	}, []string{"reason"})

	// ChallengesRequired counts rate-guard verdicts that demanded verification.
	ChallengesRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clickroll_challenges_required_total",
		Help: "Number of clicks flagged for bot verification",
	})

	// VerificationResults counts bot-verification oracle outcomes.
	VerificationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clickroll_verifications_total",
		Help: "Bot verification outcomes",
	}, []string{"outcome"})

	// MilestonesReached counts crossed milestone thresholds.
	MilestonesReached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clickroll_milestones_reached_total",
		Help: "Number of milestone thresholds crossed",
	})

	// RollTickDuration observes the duration of each rollover tick.
	RollTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clickroll_roll_tick_duration_seconds",
		Help:    "Duration of each rollover scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// RollTickErrors counts rollover ticks that failed.
	RollTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clickroll_roll_tick_errors_total",
		Help: "Number of rollover ticks that failed",
	})
)

// RegisterClientGauge exposes the live websocket viewer count.
func RegisterClientGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "clickroll_websocket_clients",
		Help: "Number of connected websocket viewers",
	}, func() float64 { return float64(count()) })
}
