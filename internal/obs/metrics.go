package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus-style counters and histograms named in §4.I.
type Metrics struct {
	// Gatherer exposes the registry the metrics were registered on, for
	// the /metrics exposition handler. Nil when the registerer passed to
	// NewMetrics doesn't also gather (e.g. a wrapped registerer).
	Gatherer prometheus.Gatherer

	JobsQueuedTotal     prometheus.Counter
	JobsFinishedTotal   *prometheus.CounterVec
	JobErrorsTotal      *prometheus.CounterVec
	PipelineJobTotal    prometheus.Counter
	PipelineJobFailed   prometheus.Counter
	PipelineJobDegraded prometheus.Counter

	TranscribeSeconds prometheus.Histogram
	TTSSeconds        prometheus.Histogram
	MuxSeconds        prometheus.Histogram
}

// pipelineBuckets spans 0.25s to 3600s, matching the spec's bucket range.
var pipelineBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600,
}

// NewMetrics registers and returns the process's metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_queued_total",
			Help: "Total number of jobs admitted into the queue.",
		}),
		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state.",
		}, []string{"state"}),
		JobErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_errors_total",
			Help: "Total number of stage failures by stage name.",
		}, []string{"stage"}),
		PipelineJobTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_total_total",
			Help: "Total number of pipeline runs started.",
		}),
		PipelineJobFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_failed_total",
			Help: "Total number of pipeline runs that failed.",
		}),
		PipelineJobDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_degraded_total",
			Help: "Total number of pipeline runs that finished degraded.",
		}),
		TranscribeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_transcribe_seconds",
			Help:    "Wall-clock duration of the ASR stage.",
			Buckets: pipelineBuckets,
		}),
		TTSSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_tts_seconds",
			Help:    "Wall-clock duration of the TTS stage.",
			Buckets: pipelineBuckets,
		}),
		MuxSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_mux_seconds",
			Help:    "Wall-clock duration of the mux stage.",
			Buckets: pipelineBuckets,
		}),
	}

	reg.MustRegister(
		m.JobsQueuedTotal, m.JobsFinishedTotal, m.JobErrorsTotal,
		m.PipelineJobTotal, m.PipelineJobFailed, m.PipelineJobDegraded,
		m.TranscribeSeconds, m.TTSSeconds, m.MuxSeconds,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.Gatherer = g
	}
	return m
}

// StageHistogram returns the histogram tracking a given stage's duration, or
// nil if the stage isn't individually tracked.
func (m *Metrics) StageHistogram(stage string) prometheus.Histogram {
	switch stage {
	case "asr":
		return m.TranscribeSeconds
	case "tts":
		return m.TTSSeconds
	case "mux":
		return m.MuxSeconds
	default:
		return nil
	}
}
