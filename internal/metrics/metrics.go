// Package metrics registers the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes.
const (
	OutcomeRecorded = "recorded"
	OutcomeLocked   = "locked"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

var (
	AttendanceSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_submissions_total",
		Help: "Attendance submissions by outcome.",
	}, []string{"outcome"})

	AttendanceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_records_swept_total",
		Help: "Attendance rows removed by the retention sweep.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Per-recipient notification attempts by channel and status.",
	}, []string{"channel", "status"})

	DispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notification_dispatch_seconds",
		Help:    "Wall time of one dispatch including every recipient.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)
