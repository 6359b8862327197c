package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/cfdi-descarga/internal/job"
)

// Prometheus metrics
var (
	// Job metrics
	jobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "descarga_jobs",
			Help: "Number of retrieval jobs per state",
		},
		[]string{"state"},
	)
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "descarga_jobs_finished_total",
			Help: "Retrieval jobs that reached a terminal state",
		},
		[]string{"state", "reason"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "descarga_stage_duration_seconds",
			Help:    "Duration of each job stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	// Remote service metrics
	remoteCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "descarga_remote_codes_total",
			Help: "Status codes returned by the remote service, by operation",
		},
		[]string{"operation", "code", "known"},
	)
	fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "descarga_metadata_fallbacks_total",
			Help: "Full document requests downgraded to metadata",
		},
	)
	documentsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "descarga_documents_stored_total",
			Help: "Documents handed to the persistence sink",
		},
		[]string{"format"},
	)
)

var states = []job.State{job.StateQueued, job.StateRunning, job.StateVerifying, job.StateSuccess, job.StateError}

// PrometheusReporter records orchestrator events. It satisfies job.Recorder.
type PrometheusReporter struct {
	onFinished func()
}

// NewPrometheusReporter creates a reporter. onFinished, if set, is called
// after every terminal transition, typically Updater.Trigger.
func NewPrometheusReporter(onFinished func()) *PrometheusReporter {
	if onFinished == nil {
		onFinished = func() {}
	}
	return &PrometheusReporter{onFinished: onFinished}
}

func (r *PrometheusReporter) StageObserved(stage job.Stage, d time.Duration) {
	stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (r *PrometheusReporter) JobFinished(state job.State, reason job.Reason) {
	jobsFinished.WithLabelValues(string(state), string(reason)).Inc()
	r.onFinished()
}

func (r *PrometheusReporter) DocumentsStored(format string, n int) {
	documentsStored.WithLabelValues(format).Add(float64(n))
}

func (r *PrometheusReporter) RemoteCode(operation, code string, known bool) {
	remoteCodes.WithLabelValues(operation, code, strconv.FormatBool(known)).Inc()
}

func (r *PrometheusReporter) FallbackTriggered() {
	fallbacks.Inc()
}

// ReportStates sets the per-state gauge. States missing from counts are
// reported as zero.
func (r *PrometheusReporter) ReportStates(counts map[job.State]int) {
	for _, s := range states {
		jobsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// WireUpHttpMetrics exposes the default registry on /metrics.
func (r *PrometheusReporter) WireUpHttpMetrics(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
}
