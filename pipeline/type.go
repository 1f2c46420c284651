package pipeline

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/render"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/inference"
	"github.com/khaledhikmat/vs-infer/service/source"
)

type State int32

const (
	// Idle behaves as Paused until the pipeline runs or is told to play or step.
	Idle State = iota
	Playing
	Paused
	// Stepping advances exactly one frame and then falls back to Paused.
	Stepping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stepping:
		return "stepping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result is one published, complete tuple. Results are replaced whole, never mutated.
type Result struct {
	Version   uint64
	Frame     model.Frame
	Overlay   model.Overlay
	Tensor    model.TensorMeta
	Scale     model.ScaleFactor
	Processor string
	Published time.Time
}

// Report carries a per-cycle error (Fatal false) or the error that stopped the pipeline.
type Report struct {
	ID      string
	Err     error
	Fatal   bool
	FrameID uint64
	Time    time.Time
}

type Config struct {
	Policy     render.Policy
	Confidence render.ConfidenceMode
	Palette    render.Palette
	// DecodeRetries is how many consecutive decode failures one cycle tolerates.
	DecodeRetries int
	// InferTimeout bounds a single inference call; zero means no bound.
	InferTimeout time.Duration
	ReportBuffer int
	Tracer       trace.Tracer
}

func DefaultConfig() Config {
	return Config{
		Policy:        render.DefaultPolicy,
		Confidence:    render.ConfidenceClamp,
		Palette:       render.DefaultPalette,
		DecodeRetries: 1,
		ReportBuffer:  64,
		Tracer:        noop.NewTracerProvider().Tracer("vs-infer/pipeline"),
	}
}

// ConfigFrom builds the pipeline configuration from the configuration service.
func ConfigFrom(cfgsvc config.IService) (Config, error) {
	cfg := DefaultConfig()

	policy, err := render.ParsePolicy(cfgsvc.GetScalePolicy())
	if err != nil {
		return cfg, err
	}
	cfg.Policy = policy

	confidence, err := render.ParseConfidenceMode(cfgsvc.GetOverlayConfidence())
	if err != nil {
		return cfg, err
	}
	cfg.Confidence = confidence

	if cfgsvc.GetDecodeRetries() < 0 {
		return cfg, fmt.Errorf("decode retries %d: %w", cfgsvc.GetDecodeRetries(), model.ErrConfiguration)
	}
	cfg.DecodeRetries = cfgsvc.GetDecodeRetries()
	cfg.InferTimeout = time.Duration(cfgsvc.GetInferTimeout()) * time.Millisecond
	return cfg, nil
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdStep
	cmdScale
	cmdSwap
	cmdSource
)

type command struct {
	kind  commandKind
	scale model.ScaleFactor
	proc  inference.IService
	path  string
	src   source.IService
	input []string
}
