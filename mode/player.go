package mode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/pipeline"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

// Player runs one pipeline over the persisted video input. It persists settings
// changes and reports, periodically stores stats and hands every new result to the
// recorder. The presentation side polls the result slot at the recorder frame rate.
func Player(canxCtx context.Context, svcs ServicesFactory, settings model.Settings, commands io.Reader) error {
	src, err := svcs.Sources(canxCtx, settings.VideoInput)
	if err != nil {
		return fmt.Errorf("error opening video input %v: %w", settings.VideoInput, err)
	}

	cfg, err := pipeline.ConfigFrom(svcs.CfgSvc)
	if err != nil {
		_ = src.Close()
		return err
	}

	p, err := pipeline.New(src, svcs.Loader, settings, cfg)
	if err != nil {
		_ = src.Close()
		return err
	}

	lgr.Logger.Info(
		"player starting...",
		slog.String("id", p.ID()),
		slog.String("source", src.Name()),
		slog.String("model", settings.ModelPath),
		slog.Float64("scale", settings.Scale),
		slog.Bool("paused", settings.Paused),
	)

	rec := newRecorder(svcs.CfgSvc, p.ID())
	defer func() {
		if err := rec.Close(); err != nil {
			procError(svcs.DataSvc, model.GenError("player_recorder", err, nil, "error closing recorder"))
		}
	}()

	runResult := make(chan error, 1)
	go func() {
		runResult <- p.Run(canxCtx)
	}()

	ctl := newPlayerControl(canxCtx, p, svcs.Sources)
	if commands != nil {
		go readCommands(canxCtx, ctl, commands)
	}

	fps := svcs.CfgSvc.GetRecorderParameters().FPS
	if fps <= 0 {
		fps = 30
	}
	poll := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer poll.Stop()

	statsPeriod := time.Duration(svcs.CfgSvc.GetStatsPeriodicTimeout()) * time.Second
	if statsPeriod <= 0 {
		statsPeriod = 30 * time.Second
	}
	statsTicker := time.NewTicker(statsPeriod)
	defer statsTicker.Stop()

	var lastVersion uint64
	present := func() {
		result := p.Result()
		if result == nil || result.Version == lastVersion {
			return
		}
		lastVersion = result.Version
		if !rec.enabled() {
			return
		}
		if err := rec.Record(result); err != nil {
			procError(svcs.DataSvc, model.GenError("player_recorder",
				err,
				map[string]interface{}{"version": result.Version, "frame": result.Frame.ID},
				"error recording result"))
		}
	}

	reports := p.Reports()
	var runErr error
	exited := false

	// Wait for cancellation, pipeline exit, reports, settings or stats
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"player context cancelled",
			)
			p.Stop()
			goto resume

		case runErr = <-runResult:
			exited = true
			present()
			goto resume

		case <-ctl.stopped:
			lgr.Logger.Info(
				"player stop requested",
				slog.String("id", p.ID()),
			)
			goto resume

		case r, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			procError(svcs.DataSvc, reportError(r))

		case s := <-p.Settings():
			procSettings(svcs.DataSvc, s)

		case <-poll.C:
			present()

		case <-statsTicker.C:
			stats := p.Stats()
			printStatus(os.Stdout, stats)
			procStats(svcs.DataSvc, stats)
		}
	}

	// Wait in a non-blocking way for the pipeline to release the source and the processor
resume:
	lgr.Logger.Info(
		"player is waiting for the pipeline to exit",
	)

	timer := time.NewTimer(time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime()) * time.Second)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		lgr.Logger.Warn(
			"player shutdown waiting period expired. Exiting now",
			slog.Duration("period", time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime())*time.Second),
		)
		return fmt.Errorf("pipeline %s did not stop in time", p.ID())
	}
	if !exited {
		runErr = <-runResult
		present()
	}

	// Late reports and the last settings snapshot
	if reports != nil {
		for r := range reports {
			procError(svcs.DataSvc, reportError(r))
		}
	}
	select {
	case s := <-p.Settings():
		procSettings(svcs.DataSvc, s)
	default:
	}

	stats := p.Stats()
	printStatus(os.Stdout, stats)
	procStats(svcs.DataSvc, stats)
	procStats(svcs.DataSvc, p.SourceStats())
	return runErr
}

// playerControl opens sources for video commands and lets the player see stop requests.
type playerControl struct {
	*pipeline.Pipeline
	canxCtx  context.Context
	sources  SourceFactory
	stopOnce sync.Once
	stopped  chan struct{}
}

func newPlayerControl(canxCtx context.Context, p *pipeline.Pipeline, sources SourceFactory) *playerControl {
	return &playerControl{
		Pipeline: p,
		canxCtx:  canxCtx,
		sources:  sources,
		stopped:  make(chan struct{}),
	}
}

func (c *playerControl) SwitchVideo(input []string) error {
	src, err := c.sources(c.canxCtx, input)
	if err != nil {
		return fmt.Errorf("error opening video input %v: %w", input, err)
	}
	return c.SwapSource(src, input)
}

func (c *playerControl) Stop() {
	c.Pipeline.Stop()
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
}

func reportError(r pipeline.Report) model.CustomError {
	proc := "pipeline"
	if r.Fatal {
		proc = "pipeline_fatal"
	}
	return model.GenError(proc,
		r.Err,
		map[string]interface{}{
			"reportId": r.ID,
			"frame":    r.FrameID,
			"time":     r.Time.Unix(),
		},
		"pipeline report")
}

func printStatus(w io.Writer, stats model.PipelineStats) {
	state := color.New(color.FgGreen).SprintFunc()
	if stats.State != pipeline.Playing.String() {
		state = color.New(color.FgYellow).SprintFunc()
	}
	errs := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "[%s] %s decoded=%d published=%d dropped=%d fps=%.1f proc=%.1fms infer=%.1fms decodeErrors=%s inferenceErrors=%s\n",
		stats.ID[:8],
		state(stats.State),
		stats.Decoded,
		stats.Published,
		stats.Dropped,
		stats.FPS,
		stats.AvgProcTime,
		stats.AvgInferenceTime,
		errs(stats.DecodeErrors),
		errs(stats.InferenceErrors),
	)
}
