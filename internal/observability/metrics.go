package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total ops HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "droidctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	moduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "module",
			Name:      "runs_total",
			Help:      "Per-device module runs.",
		},
		[]string{"module", "success"},
	)
	moduleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "droidctl",
			Subsystem: "module",
			Name:      "run_duration_seconds",
			Help:      "Per-device module run duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"module"},
	)
	commandRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Device-control protocol invocations.",
		},
		[]string{"success", "timeout"},
	)
	fanouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "executor",
			Name:      "fanouts_total",
			Help:      "Multi-device fan-outs by terminal state.",
		},
		[]string{"module", "state"},
	)
	retryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "droidctl",
			Subsystem: "retry",
			Name:      "queue_depth",
			Help:      "Entries currently waiting in the retry queue.",
		},
	)
	retryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "retry",
			Name:      "outcomes_total",
			Help:      "Retry attempts by outcome.",
		},
		[]string{"outcome"},
	)
	scheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "droidctl",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Scheduled workflow runs by terminal state.",
		},
		[]string{"state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			moduleRuns,
			moduleDuration,
			commandRuns,
			fanouts,
			retryQueueDepth,
			retryOutcomes,
			scheduleRuns,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordModuleRun(module string, success bool, duration time.Duration) {
	RegisterMetrics()
	moduleRuns.WithLabelValues(module, strconv.FormatBool(success)).Inc()
	moduleDuration.WithLabelValues(module).Observe(duration.Seconds())
}

func RecordCommand(success, timedOut bool) {
	RegisterMetrics()
	commandRuns.WithLabelValues(strconv.FormatBool(success), strconv.FormatBool(timedOut)).Inc()
}

func RecordFanout(module, state string) {
	RegisterMetrics()
	fanouts.WithLabelValues(module, state).Inc()
}

func SetRetryQueueDepth(n int) {
	RegisterMetrics()
	retryQueueDepth.Set(float64(n))
}

func RecordRetryOutcome(outcome string) {
	RegisterMetrics()
	retryOutcomes.WithLabelValues(outcome).Inc()
}

func RecordScheduleRun(state string) {
	RegisterMetrics()
	scheduleRuns.WithLabelValues(state).Inc()
}
