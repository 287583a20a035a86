package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for the exam simulator.
type Metrics struct {
	// Turn metrics
	TurnsSaved     prometheus.Counter
	TurnsSkipped   prometheus.Counter
	TurnsCapForced prometheus.Counter

	// Upload metrics
	UploadAttempts  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadRetries   prometheus.Counter
	UploadsInFlight prometheus.Gauge

	// Results polling metrics
	PollAttempts prometheus.Counter
	PollTimeouts prometheus.Counter
}

// New creates and registers the simulator metrics. A nil registerer
// uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_turns_saved_total",
			Help: "Total number of response turns saved to the local log",
		}),
		TurnsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_turns_skipped_total",
			Help: "Total number of questions skipped after a turn start failure",
		}),
		TurnsCapForced: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_turns_cap_forced_total",
			Help: "Total number of turns ended by the speaking cap timer",
		}),
		UploadAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_upload_attempts_total",
			Help: "Total number of upload attempts, including retries",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_upload_successes_total",
			Help: "Total number of successful uploads",
		}),
		UploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_upload_failures_total",
			Help: "Total number of failed upload attempts",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_upload_retries_total",
			Help: "Total number of scheduled upload retries",
		}),
		UploadsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exam_uploads_in_flight",
			Help: "Current number of uploads in flight",
		}),
		PollAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_poll_attempts_total",
			Help: "Total number of results polling attempts",
		}),
		PollTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "exam_poll_timeouts_total",
			Help: "Total number of results polling timeouts",
		}),
	}
}
