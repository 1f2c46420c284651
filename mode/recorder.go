package mode

import (
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/pipeline"
	"github.com/khaledhikmat/vs-infer/render"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/lgr"
)

// recorder consumes published results: it logs them, writes composited snapshots
// and appends composited frames to an mp4 clip.
//
// WARNING:
// GoCV writes uncompressed frames into the container, so long recordings get large.
type recorder struct {
	params  config.RecorderParameters
	folder  string
	id      string
	results int
	frames  int
	errors  int

	writer   *gocv.VideoWriter
	clip     string
	clipSize image.Point

	resultLog *lumberjack.Logger
}

type resultEntry struct {
	Version   uint64           `json:"version"`
	FrameID   uint64           `json:"frameId"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Scale     float64          `json:"scale"`
	Processor string           `json:"processor"`
	Tensor    model.TensorMeta `json:"tensor"`
	Published time.Time        `json:"published"`
}

func newRecorder(cfgsvc config.IService, id string) *recorder {
	r := &recorder{
		params: cfgsvc.GetRecorderParameters(),
		folder: cfgsvc.GetRecordingsFolder(),
		id:     id,
	}
	if r.params.Logging {
		r.resultLog = &lumberjack.Logger{
			Filename:   filepath.Join(r.folder, "results.log"),
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     7,    // days
			Compress:   true, // compress old logs
		}
	}
	return r
}

func (r *recorder) enabled() bool {
	return r.params.Logging || r.params.RecordOutput || r.params.SnapshotEvery > 0
}

func (r *recorder) Record(result *pipeline.Result) error {
	r.results++

	if r.resultLog != nil {
		if err := r.logResult(result); err != nil {
			r.errors++
			return err
		}
	}

	snapshot := r.params.SnapshotEvery > 0 && r.results%r.params.SnapshotEvery == 0
	if !snapshot && !r.params.RecordOutput {
		return nil
	}

	img, err := gocv.ImageToMatRGB(render.Compose(result.Frame, result.Overlay))
	if err != nil {
		r.errors++
		return fmt.Errorf("composited frame %d to mat: %w", result.Frame.ID, err)
	}
	defer img.Close() // Crucial to close the image to avoid memory leaks

	if err := os.MkdirAll(r.folder, 0755); err != nil {
		r.errors++
		return err
	}

	if snapshot {
		fn := filepath.Join(r.folder, fmt.Sprintf("%s_snapshot_%d.jpg", r.id, result.Version))
		if ok := gocv.IMWrite(fn, img); !ok {
			r.errors++
			return fmt.Errorf("error writing snapshot %s", fn)
		}
	}

	if r.params.RecordOutput {
		if err := r.write(img); err != nil {
			r.errors++
			return err
		}
	}
	return nil
}

func (r *recorder) logResult(result *pipeline.Result) error {
	line, err := json.Marshal(resultEntry{
		Version:   result.Version,
		FrameID:   result.Frame.ID,
		Width:     result.Frame.Width,
		Height:    result.Frame.Height,
		Scale:     float64(result.Scale),
		Processor: result.Processor,
		Tensor:    result.Tensor,
		Published: result.Published,
	})
	if err != nil {
		return err
	}
	_, err = r.resultLog.Write(append(line, '\n'))
	return err
}

// write appends img to the clip, opening it on the first frame. Frames of another
// size (after a source change) are resized to the clip size.
func (r *recorder) write(img gocv.Mat) error {
	if r.writer == nil {
		r.clip = filepath.Join(r.folder, fmt.Sprintf("%s_recording_%d.mp4", r.id, time.Now().Unix()))
		writer, err := gocv.VideoWriterFile(r.clip, "avc1", r.params.FPS, img.Cols(), img.Rows(), true)
		if err != nil {
			return fmt.Errorf("error creating video writer %s: %w", r.clip, err)
		}
		r.writer = writer
		r.clipSize = image.Pt(img.Cols(), img.Rows())
		lgr.Logger.Info("recording started", slog.String("clip", r.clip), slog.Any("size", r.clipSize))
	}

	if img.Cols() != r.clipSize.X || img.Rows() != r.clipSize.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		if err := gocv.Resize(img, &resized, r.clipSize, 0, 0, gocv.InterpolationLinear); err != nil {
			return fmt.Errorf("error resizing frame for %s: %w", r.clip, err)
		}
		img = resized
	}

	if err := r.writer.Write(img); err != nil {
		return fmt.Errorf("error writing frame to %s: %w", r.clip, err)
	}
	r.frames++
	return nil
}

func (r *recorder) Close() error {
	lgr.Logger.Info(
		"recorder closing",
		slog.Int("results", r.results),
		slog.Int("recordedFrames", r.frames),
		slog.Int("errors", r.errors),
		slog.String("clip", r.clip),
	)

	var err error
	if r.writer != nil {
		err = r.writer.Close()
	}
	if r.resultLog != nil {
		if lerr := r.resultLog.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}
