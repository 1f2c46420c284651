package config

const (
	SourceGocv   = "gocv"
	SourceFFMpeg = "ffmpeg"
)

type IService interface {
	GetModeMaxShutdownTime() int
	GetSettingsFolder() string
	GetSettingsFile() string
	GetRecordingsFolder() string
	GetLogLevel() string
	GetLogFile() string
	GetSourceBackend() string
	GetScalePolicy() string
	GetOverlayConfidence() string
	GetDecodeRetries() int
	GetInferTimeout() int
	GetMetricsPort() int
	GetStatsPeriodicTimeout() int
	GetOnnxParameters() OnnxParameters
	GetRecorderParameters() RecorderParameters
}

type OnnxParameters struct {
	InputWidth  int
	InputHeight int
	Classes     int
	Normalized  bool
	SwapRB      bool
}

type RecorderParameters struct {
	RecordOutput  bool
	SnapshotEvery int
	FPS           float64
	Logging       bool
}
