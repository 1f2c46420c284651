package mode

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/data"
	"github.com/khaledhikmat/vs-infer/service/inference"
	"github.com/khaledhikmat/vs-infer/service/lgr"
	"github.com/khaledhikmat/vs-infer/service/source"
)

// SourceFactory opens a frame source for the persisted video input.
type SourceFactory func(canxCtx context.Context, input []string) (source.IService, error)

type ServicesFactory struct {
	CfgSvc  config.IService
	DataSvc data.IService
	Sources SourceFactory
	Loader  inference.Loader
}

// Signature of a mode processor. commands, when not nil, carries operator commands one per line.
type Processor func(canxCtx context.Context, svcs ServicesFactory, settings model.Settings, commands io.Reader) error

// NewSourceFactory opens sources with the configured backend.
func NewSourceFactory(cfgsvc config.IService) SourceFactory {
	return func(canxCtx context.Context, input []string) (source.IService, error) {
		if len(input) == 0 {
			return nil, fmt.Errorf("no video input: %w", model.ErrConfiguration)
		}

		switch cfgsvc.GetSourceBackend() {
		case config.SourceFFMpeg:
			return source.NewFFMpeg(canxCtx, input...)
		case config.SourceGocv:
			if len(input) != 1 {
				return nil, fmt.Errorf("gocv takes a single video input, got %d: %w", len(input), model.ErrConfiguration)
			}
			return source.NewGocv(input[0])
		default:
			return nil, fmt.Errorf("unknown source backend %q: %w", cfgsvc.GetSourceBackend(), model.ErrConfiguration)
		}
	}
}

func procStats(datasvc data.IService, stats interface{}) {
	var err error
	switch stats := stats.(type) {
	case model.PipelineStats:
		err = datasvc.NewPipelineStats(stats)
	case model.SourceStats:
		err = datasvc.NewSourceStats(stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
		return
	}

	if err != nil {
		lgr.Logger.Error(
			"failed to store stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}

func procSettings(datasvc data.IService, settings model.Settings) {
	if err := datasvc.StoreSettings(settings); err != nil {
		lgr.Logger.Error(
			"failed to store settings",
			slog.Any("settings", settings),
			slog.Any("error", err),
		)
	}
}
