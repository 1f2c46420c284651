package config

import (
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type envConfig struct {
	ModeMaxShutdownTime  int    `env:"MODE_MAX_SHUTDOWN_TIME" envDefault:"5"`
	SettingsFolder       string `env:"SETTINGS_FOLDER"        envDefault:"./settings"`
	RecordingsFolder     string `env:"RECORDINGS_FOLDER"      envDefault:"./recordings"`
	LogLevel             string `env:"LOG_LEVEL"              envDefault:"info"`
	LogFile              string `env:"LOG_FILE"               envDefault:"vs-infer.log"`
	SourceBackend        string `env:"SOURCE_BACKEND"         envDefault:"gocv"`
	ScalePolicy          string `env:"SCALE_POLICY"           envDefault:"nearest"`
	OverlayConfidence    string `env:"OVERLAY_CONFIDENCE"     envDefault:"clamp"`
	DecodeRetries        int    `env:"DECODE_RETRIES"         envDefault:"1"`
	InferTimeout         int    `env:"INFER_TIMEOUT_MS"       envDefault:"0"`
	MetricsPort          int    `env:"METRICS_PORT"           envDefault:"0"`
	StatsPeriodicTimeout int    `env:"STATS_PERIODIC_TIMEOUT" envDefault:"30"`

	OnnxInputWidth  int  `env:"ONNX_INPUT_WIDTH"  envDefault:"0"`
	OnnxInputHeight int  `env:"ONNX_INPUT_HEIGHT" envDefault:"0"`
	OnnxClasses     int  `env:"ONNX_CLASSES"      envDefault:"21"`
	OnnxNormalized  bool `env:"ONNX_NORMALIZED"   envDefault:"false"`
	OnnxSwapRB      bool `env:"ONNX_SWAP_RB"      envDefault:"true"`

	RecordOutput  bool    `env:"RECORD_OUTPUT"  envDefault:"false"`
	SnapshotEvery int     `env:"SNAPSHOT_EVERY" envDefault:"0"`
	RecordFPS     float64 `env:"RECORD_FPS"     envDefault:"30"`
	ResultLogging bool    `env:"RESULT_LOGGING" envDefault:"false"`
}

type envService struct {
	cfg envConfig
}

// NewEnv reads the configuration from environment variables (see .env for dev mode).
func NewEnv() (IService, error) {
	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &envService{cfg: cfg}, nil
}

func (svc *envService) GetModeMaxShutdownTime() int {
	return svc.cfg.ModeMaxShutdownTime
}

func (svc *envService) GetSettingsFolder() string {
	return svc.cfg.SettingsFolder
}

func (svc *envService) GetSettingsFile() string {
	return filepath.Join(svc.cfg.SettingsFolder, "settings.json")
}

func (svc *envService) GetRecordingsFolder() string {
	return svc.cfg.RecordingsFolder
}

func (svc *envService) GetLogLevel() string {
	return svc.cfg.LogLevel
}

func (svc *envService) GetLogFile() string {
	return svc.cfg.LogFile
}

func (svc *envService) GetSourceBackend() string {
	return svc.cfg.SourceBackend
}

func (svc *envService) GetScalePolicy() string {
	return svc.cfg.ScalePolicy
}

func (svc *envService) GetOverlayConfidence() string {
	return svc.cfg.OverlayConfidence
}

func (svc *envService) GetDecodeRetries() int {
	return svc.cfg.DecodeRetries
}

func (svc *envService) GetInferTimeout() int {
	return svc.cfg.InferTimeout
}

func (svc *envService) GetMetricsPort() int {
	return svc.cfg.MetricsPort
}

func (svc *envService) GetStatsPeriodicTimeout() int {
	return svc.cfg.StatsPeriodicTimeout
}

func (svc *envService) GetOnnxParameters() OnnxParameters {
	return OnnxParameters{
		InputWidth:  svc.cfg.OnnxInputWidth,
		InputHeight: svc.cfg.OnnxInputHeight,
		Classes:     svc.cfg.OnnxClasses,
		Normalized:  svc.cfg.OnnxNormalized,
		SwapRB:      svc.cfg.OnnxSwapRB,
	}
}

func (svc *envService) GetRecorderParameters() RecorderParameters {
	return RecorderParameters{
		RecordOutput:  svc.cfg.RecordOutput,
		SnapshotEvery: svc.cfg.SnapshotEvery,
		FPS:           svc.cfg.RecordFPS,
		Logging:       svc.cfg.ResultLogging,
	}
}
