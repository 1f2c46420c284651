package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

const ffmpegStartTimeout = 10 * time.Second

type ffmpegService struct {
	// readMu serializes pulls; Close takes it only after asking ffmpeg to quit
	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	input     []string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stdoutRaw io.ReadCloser
	infoDone  chan struct{}
	stream    StreamInfo
	startTime time.Time
	frames    uint64
	errors    int
	exhausted bool
}

// NewFFMpeg spawns ffmpeg to decode input into raw bgr24 frames on its stdout.
// input holds the ffmpeg input arguments, usually a single path or URL.
func NewFFMpeg(ctx context.Context, input ...string) (IService, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("no ffmpeg input: %w", model.ErrConfiguration)
	}

	args := []string{"-hide_banner", "-i"}
	args = append(args, input...)
	args = append(args,
		"-an",
		"-f", "image2pipe",
		"-fflags", "nobuffer",
		"-pix_fmt", "bgr24",
		"-c:v", "rawvideo",
		"pipe:1",
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	lgr.Logger.Info(
		"spawning ffmpeg",
		slog.String("args", strings.Join(args, " ")),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("couldn't spawn ffmpeg: %w: %w", model.ErrFatalStream, err)
	}

	svc := &ffmpegService{
		input:     input,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReaderSize(stdout, 1<<20),
		stdoutRaw: stdout,
		infoDone:  make(chan struct{}),
		startTime: time.Now(),
	}

	streams := make(chan StreamInfo, 1)
	go svc.readInfo(stderr, streams)

	select {
	case info := <-streams:
		svc.stream = info
	case <-svc.infoDone:
		_ = svc.Close()
		return nil, fmt.Errorf("ffmpeg exited before reporting its output stream: %w", model.ErrFatalStream)
	case <-time.After(ffmpegStartTimeout):
		_ = svc.Close()
		return nil, fmt.Errorf("couldn't parse ffmpeg stream info within %s: %w", ffmpegStartTimeout, model.ErrFatalStream)
	case <-ctx.Done():
		_ = svc.Close()
		return nil, ctx.Err()
	}

	lgr.Logger.Info(
		"ffmpeg output stream",
		slog.Int("width", svc.stream.Width),
		slog.Int("height", svc.stream.Height),
		slog.Float64("fps", svc.stream.FPS),
	)
	return svc, nil
}

// readInfo parses ffmpeg's stderr until it closes. The first video output stream is
// delivered on streams, everything else is logged.
func (svc *ffmpegService) readInfo(stderr io.Reader, streams chan<- StreamInfo) {
	defer close(svc.infoDone)

	parser := &StreamInfoParser{}
	delivered := false
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanFFMpegLines)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		last = line

		info, err := parser.Push(line)
		switch {
		case err != nil:
			lgr.Logger.Warn("parsing ffmpeg info", slog.Any("error", err))
		case info != nil && !delivered:
			delivered = true
			streams <- *info
		case info != nil:
			lgr.Logger.Info("ffmpeg stream info", slog.Any("stream", *info))
		default:
			lgr.Logger.Debug("ffmpeg", slog.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		lgr.Logger.Error("couldn't read ffmpeg stderr", slog.Any("error", err))
	}
	lgr.Logger.Info("finished reading ffmpeg stderr", slog.String("last", last))
}

func (svc *ffmpegService) Name() string {
	return "ffmpeg:" + strings.Join(svc.input, " ")
}

func (svc *ffmpegService) Next(ctx context.Context) (model.Frame, error) {
	svc.readMu.Lock()
	defer svc.readMu.Unlock()

	if svc.closed.Load() || svc.exhausted {
		return model.Frame{}, model.ErrSourceExhausted
	}
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}

	// a blocked read only returns once ffmpeg dies
	stop := context.AfterFunc(ctx, svc.kill)
	defer stop()

	frame := model.NewFrame(svc.frames+1, svc.stream.Width, svc.stream.Height, model.LayoutBGR8)
	_, err := io.ReadFull(svc.stdout, frame.Pix)
	switch {
	case err != nil && ctx.Err() != nil:
		svc.exhausted = true
		return model.Frame{}, ctx.Err()
	case err == nil:
		svc.frames++
		return frame, nil
	case errors.Is(err, io.EOF):
		svc.exhausted = true
		return model.Frame{}, model.ErrSourceExhausted
	default:
		// a short read leaves the pipe at EOF, the next pull reports exhaustion
		svc.errors++
		return model.Frame{}, fmt.Errorf("error reading full frame %d from ffmpeg: %w: %w", svc.frames+1, model.ErrDecodeFailure, err)
	}
}

func (svc *ffmpegService) kill() {
	lgr.Logger.Info("killing ffmpeg on cancellation", slog.String("input", strings.Join(svc.input, " ")))
	if err := svc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		lgr.Logger.Warn("couldn't kill ffmpeg", slog.Any("error", err))
	}
}

func (svc *ffmpegService) Stats() model.SourceStats {
	svc.readMu.Lock()
	defer svc.readMu.Unlock()
	return model.SourceStats{
		Name:   "ffmpeg",
		Input:  strings.Join(svc.input, " "),
		Frames: int(svc.frames),
		Errors: svc.errors,
		Uptime: int64(time.Since(svc.startTime).Seconds()),
	}
}

// Close asks ffmpeg to quit, drains its output and waits for it to exit.
func (svc *ffmpegService) Close() error {
	svc.closeOnce.Do(func() {
		svc.closed.Store(true)
		svc.closeErr = svc.shutdown()
	})
	return svc.closeErr
}

func (svc *ffmpegService) shutdown() error {
	// ffmpeg reads 'q' from stdin as a quit request
	if _, err := svc.stdin.Write([]byte("q")); err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
		lgr.Logger.Warn("couldn't send q to ffmpeg", slog.Any("error", err))
	}
	_ = svc.stdin.Close()

	// a pull in progress completes once ffmpeg flushes or exits
	svc.readMu.Lock()
	defer svc.readMu.Unlock()
	_, _ = io.Copy(io.Discard, svc.stdoutRaw)

	err := svc.cmd.Wait()
	<-svc.infoDone

	lgr.Logger.Info(
		"ffmpeg source closed",
		slog.String("input", strings.Join(svc.input, " ")),
		slog.Uint64("frames", svc.frames),
		slog.Int("errors", svc.errors),
	)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() > 0 {
			return fmt.Errorf("ffmpeg exit code %d", exitErr.ExitCode())
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("waiting on ffmpeg: %w", err)
	}
	return nil
}

// scanFFMpegLines splits on '\n' and on the '\r' ffmpeg uses for progress lines.
func scanFFMpegLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
