package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vsinfer_frames_decoded_total",
		Help: "Total number of frames pulled from the source",
	})

	ResultsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vsinfer_results_published_total",
		Help: "Total number of results published to the result slot",
	})

	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vsinfer_frames_dropped_total",
		Help: "Total number of decoded frames that were never published",
	})

	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vsinfer_failures_total",
		Help: "Total number of reported failures, by kind",
	}, []string{"kind"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vsinfer_stage_duration_seconds",
		Help:    "Duration of a pipeline cycle stage",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"stage"})

	PipelineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vsinfer_pipeline_state",
		Help: "1 for the current pipeline state, 0 otherwise",
	}, []string{"state"})

	ScaleFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vsinfer_scale_factor",
		Help: "Scale factor applied to frames before inference",
	})
)

const (
	FailureDecode    = "decode"
	FailureInference = "inference"
	FailureFatal     = "fatal"

	StageDecode    = "decode"
	StageScale     = "scale"
	StageInference = "inference"
	StageOverlay   = "overlay"
)
