package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-infer/mode"
	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/data"
	"github.com/khaledhikmat/vs-infer/service/inference"
	"github.com/khaledhikmat/vs-infer/service/lgr"
	"github.com/khaledhikmat/vs-infer/service/metrics"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"player":  mode.Player,
	"inspect": mode.Inspect,
}

var modeUsage = map[string]string{
	"player":  "stream the video input through the model; reads play|pause|step|scale f|model path|stop from stdin",
	"inspect": "print what the model declares and run it over the first frame",
}

func main() {
	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		lgr.Logger.Info("loading env vars from .env file")
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			lgr.Logger.Error("error loading .env file", slog.Any("error", xerrors.New(err.Error())))
			panic("error loading .env file")
		}
	}

	app := &cli.App{
		Name:  "vs-infer",
		Usage: "stream video frames through a segmentation model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "model `PATH` (.onnx or fake:<classes>); overrides the stored settings",
			},
			&cli.Float64Flag{
				Name:  "scale",
				Usage: "scale factor applied to frames before inference",
			},
			&cli.BoolFlag{
				Name:  "paused",
				Usage: "start paused",
			},
		},
	}
	for _, name := range []string{"player", "inspect"} {
		proc := modeProcessors[name]
		app.Commands = append(app.Commands, &cli.Command{
			Name:      name,
			Usage:     modeUsage[name],
			ArgsUsage: "[video input...]",
			Action:    modeAction(proc),
		})
	}

	if err := app.Run(os.Args); err != nil {
		lgr.Logger.Error("vs-infer exited", slog.Any("error", xerrors.New(err.Error())))
		os.Exit(1)
	}
}

func modeAction(modeProc mode.Processor) cli.ActionFunc {
	return func(c *cli.Context) error {
		rootCtx := context.Background()
		canxCtx, canxFn := context.WithCancel(rootCtx)
		defer canxFn()

		// Hook up a signal handler to cancel the context
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				lgr.Logger.Info(
					"received kill signal",
					slog.Any("signal", sig),
				)
				canxFn()
			case <-canxCtx.Done():
			}
		}()

		// Create the services needed for the mode processor
		// Config service
		cfgSvc, err := config.NewEnv()
		if err != nil {
			return err
		}

		logCloser := lgr.Setup(lgr.Options{
			Level:    cfgSvc.GetLogLevel(),
			File:     cfgSvc.GetLogFile(),
			Console:  true,
			MaxSize:  10,
			MaxAge:   7,
			Compress: true,
		})
		defer logCloser.Close()

		// Data service
		dataSvc := data.NewFilesDB(cfgSvc)

		svcs := mode.ServicesFactory{
			CfgSvc:  cfgSvc,
			DataSvc: dataSvc,
			Sources: mode.NewSourceFactory(cfgSvc),
			Loader:  inference.NewLoader(cfgSvc),
		}

		settings, err := dataSvc.RetrieveSettings()
		if err != nil {
			lgr.Logger.Warn("using default settings", slog.Any("error", err))
			settings = model.DefaultSettings()
		}
		if c.Args().Len() > 0 {
			settings.VideoInput = c.Args().Slice()
		}
		if c.IsSet("model") {
			settings.ModelPath = c.String("model")
		}
		if c.IsSet("scale") {
			settings.Scale = c.Float64("scale")
		}
		if c.IsSet("paused") {
			settings.Paused = c.Bool("paused")
		}
		if err := dataSvc.StoreSettings(settings); err != nil {
			lgr.Logger.Warn("couldn't store settings", slog.Any("error", err))
		}

		if port := cfgSvc.GetMetricsPort(); port > 0 {
			metrics.StartMetricsServer(canxCtx, port)
		}

		// Create mode processor result
		modeProcResult := make(chan error, 1)

		// Start the mode processor
		go func() {
			var commands io.Reader
			if c.Command.Name == "player" {
				commands = os.Stdin
			}
			modeProcResult <- modeProc(canxCtx, svcs, settings, commands)
		}()

		// Wait for cancellation or the mode proc
		var modeErr error
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"vs-infer context cancelled",
			)
		case modeErr = <-modeProcResult:
			if modeErr != nil {
				lgr.Logger.Info(
					"vs-infer mode processor exited",
					slog.Any("error", xerrors.New(modeErr.Error())),
				)
			}
			return modeErr
		}

		// Wait in a non-blocking way for `waitOnShutdown` for the mode processor to exit
		// This is needed because the mode processor may need to persist errors as it is exiting
		lgr.Logger.Info(
			"vs-infer is waiting for the mode processor to exit",
		)

		timer := time.NewTimer(waitOnShutdown)
		defer timer.Stop()

		select {
		case <-timer.C:
			lgr.Logger.Info(
				"vs-infer shutdown waiting period expired. Exiting now",
				slog.Duration("period", waitOnShutdown),
			)
			return nil
		case modeErr = <-modeProcResult:
			return modeErr
		}
	}
}
