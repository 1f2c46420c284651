package mode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

// controller is the command surface of a pipeline.
type controller interface {
	Play() error
	Pause() error
	Step() error
	SetScaleFactor(f float64) error
	SwapProcessor(path string) error
	SwitchVideo(input []string) error
	Stop()
}

// runCommand applies one operator command:
//
//	play | pause | step | scale <factor> | model [path] | video <input...> | stop
//
// It returns true once the pipeline was told to stop.
func runCommand(c controller, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch verb := strings.ToLower(fields[0]); verb {
	case "play":
		return false, c.Play()
	case "pause":
		return false, c.Pause()
	case "step":
		return false, c.Step()
	case "scale":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: scale <factor>: %w", model.ErrConfiguration)
		}
		f, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, fmt.Errorf("scale %q: %w: %w", fields[1], model.ErrConfiguration, err)
		}
		return false, c.SetScaleFactor(f)
	case "model":
		// an empty path turns inference off
		path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return false, c.SwapProcessor(path)
	case "video":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: video <input...>: %w", model.ErrConfiguration)
		}
		return false, c.SwitchVideo(fields[1:])
	case "stop", "quit", "q":
		c.Stop()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q: %w", verb, model.ErrConfiguration)
	}
}

// readCommands feeds lines from r to c until r ends, ctx is done or a stop command is read.
func readCommands(canxCtx context.Context, c controller, r io.Reader) {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-canxCtx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-canxCtx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			stop, err := runCommand(c, line)
			if err != nil {
				lgr.Logger.Warn("command rejected", slog.String("command", line), slog.Any("error", err))
				continue
			}
			if stop {
				return
			}
		}
	}
}
