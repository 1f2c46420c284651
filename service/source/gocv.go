package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

var stillImageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
}

type gocvService struct {
	mu        sync.Mutex
	input     string
	capture   *gocv.VideoCapture
	still     *gocv.Mat
	frames    uint64
	errors    int
	startTime time.Time
	exhausted bool
	closed    bool
}

// NewGocv opens a video file, stream URL, device index or still image with OpenCV.
func NewGocv(input string) (IService, error) {
	svc := &gocvService{
		input:     input,
		startTime: time.Now(),
	}

	if stillImageExts[strings.ToLower(filepath.Ext(input))] {
		img := gocv.IMRead(input, gocv.IMReadColor)
		if img.Empty() {
			img.Close()
			return nil, fmt.Errorf("error reading image %s: %w", input, model.ErrFatalStream)
		}
		svc.still = &img
		return svc, nil
	}

	capture, err := gocv.OpenVideoCapture(input)
	if err != nil {
		return nil, fmt.Errorf("error opening video capture %s: %w: %w", input, model.ErrFatalStream, err)
	}
	svc.capture = capture

	lgr.Logger.Info(
		"gocv source opened",
		slog.String("input", input),
		slog.Float64("fps", capture.Get(gocv.VideoCaptureFPS)),
		slog.Float64("frameCount", capture.Get(gocv.VideoCaptureFrameCount)),
	)
	return svc, nil
}

func (svc *gocvService) Name() string {
	return "gocv:" + svc.input
}

func (svc *gocvService) Next(ctx context.Context) (model.Frame, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.closed || svc.exhausted {
		return model.Frame{}, model.ErrSourceExhausted
	}
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}

	if svc.still != nil {
		// A still image is a one-frame sequence
		svc.exhausted = true
		svc.frames++
		return matToFrame(*svc.still, svc.frames)
	}

	img := gocv.NewMat()
	defer img.Close() // Crucial to close the image to avoid memory leaks

	if ok := svc.capture.Read(&img); !ok {
		if svc.atEnd() {
			svc.exhausted = true
			return model.Frame{}, model.ErrSourceExhausted
		}
		svc.errors++
		return model.Frame{}, fmt.Errorf("error reading frame %d from %s: %w", svc.frames+1, svc.input, model.ErrDecodeFailure)
	}
	if img.Empty() {
		svc.errors++
		return model.Frame{}, fmt.Errorf("empty frame %d from %s: %w", svc.frames+1, svc.input, model.ErrDecodeFailure)
	}

	svc.frames++
	return matToFrame(img, svc.frames)
}

// atEnd reports whether a failed read is the end of the stream rather than a hiccup.
// Live streams report no frame count; a failed read there ends the stream only once
// the capture has been closed by the backend.
func (svc *gocvService) atEnd() bool {
	if !svc.capture.IsOpened() {
		return true
	}
	count := svc.capture.Get(gocv.VideoCaptureFrameCount)
	if count <= 0 {
		return false
	}
	return svc.capture.Get(gocv.VideoCapturePosFrames) >= count
}

func (svc *gocvService) Stats() model.SourceStats {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return model.SourceStats{
		Name:   "gocv",
		Input:  svc.input,
		Frames: int(svc.frames),
		Errors: svc.errors,
		Uptime: int64(time.Since(svc.startTime).Seconds()),
	}
}

func (svc *gocvService) Close() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.closed {
		return nil
	}
	svc.closed = true

	lgr.Logger.Info(
		"gocv source closed",
		slog.String("input", svc.input),
		slog.Uint64("frames", svc.frames),
		slog.Int("errors", svc.errors),
		slog.Duration("uptime", time.Since(svc.startTime)),
	)

	if svc.still != nil {
		return svc.still.Close()
	}
	return svc.capture.Close()
}

func matToFrame(img gocv.Mat, id uint64) (model.Frame, error) {
	bgr := img
	switch img.Channels() {
	case 3:
	case 1, 4:
		conv := gocv.NewMat()
		defer conv.Close()
		code := gocv.ColorGrayToBGR
		if img.Channels() == 4 {
			code = gocv.ColorBGRAToBGR
		}
		if err := gocv.CvtColor(img, &conv, code); err != nil {
			return model.Frame{}, fmt.Errorf("error converting %d channel frame: %w: %w", img.Channels(), model.ErrDecodeFailure, err)
		}
		bgr = conv
	default:
		return model.Frame{}, fmt.Errorf("unsupported %d channel frame: %w", img.Channels(), model.ErrDecodeFailure)
	}

	// ToBytes copies, so the frame outlives the Mat
	return model.Frame{
		ID:        id,
		Width:     bgr.Cols(),
		Height:    bgr.Rows(),
		Layout:    model.LayoutBGR8,
		Pix:       bgr.ToBytes(),
		Timestamp: time.Now(),
	}, nil
}
