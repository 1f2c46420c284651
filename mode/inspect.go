package mode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/render"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

// Inspect loads the configured model, prints what it declares and, when a video
// input is set, runs it once over the first frame.
func Inspect(canxCtx context.Context, svcs ServicesFactory, settings model.Settings, _ io.Reader) error {
	return inspect(canxCtx, svcs, settings, os.Stdout)
}

type inspection struct {
	Model  interface{}       `json:"model"`
	Source string            `json:"source,omitempty"`
	Input  *inputInfo        `json:"input,omitempty"`
	Output *model.TensorMeta `json:"output,omitempty"`
}

type inputInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Layout string `json:"layout"`
}

func inspect(canxCtx context.Context, svcs ServicesFactory, settings model.Settings, w io.Writer) error {
	proc, err := svcs.Loader(settings.ModelPath)
	if err != nil {
		return err
	}
	if proc == nil {
		return fmt.Errorf("no model to inspect: %w", model.ErrConfiguration)
	}
	defer proc.Close()

	out := inspection{Model: proc.Info()}
	lgr.Logger.Info("model info", slog.Any("info", proc.Info()))

	if len(settings.VideoInput) > 0 {
		src, err := svcs.Sources(canxCtx, settings.VideoInput)
		if err != nil {
			return err
		}
		defer src.Close()
		out.Source = src.Name()

		frame, err := src.Next(canxCtx)
		if err != nil {
			return fmt.Errorf("reading first frame of %s: %w", src.Name(), err)
		}

		factor, err := model.NewScaleFactor(settings.Scale)
		if err != nil {
			return err
		}
		scaled, err := render.Scale(frame, factor, render.DefaultPolicy)
		if err != nil {
			return err
		}
		out.Input = &inputInfo{Width: scaled.Width, Height: scaled.Height, Layout: scaled.Layout.String()}

		tensor, err := proc.Infer(canxCtx, scaled)
		if err != nil {
			return err
		}
		meta := tensor.Meta()
		out.Output = &meta
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
