package config

import (
	"fmt"
)

type hardcodedService struct {
}

func NewHardCoded() IService {
	return &hardcodedService{}
}

func (svc *hardcodedService) GetModeMaxShutdownTime() int {
	return 5
}

func (svc *hardcodedService) GetSettingsFolder() string {
	return "./settings"
}

func (svc *hardcodedService) GetSettingsFile() string {
	return fmt.Sprintf("%s/settings.json", svc.GetSettingsFolder())
}

func (svc *hardcodedService) GetRecordingsFolder() string {
	return "./recordings"
}

func (svc *hardcodedService) GetLogLevel() string {
	return "info"
}

func (svc *hardcodedService) GetLogFile() string {
	return ""
}

func (svc *hardcodedService) GetSourceBackend() string {
	return SourceGocv
}

func (svc *hardcodedService) GetScalePolicy() string {
	return "nearest"
}

func (svc *hardcodedService) GetOverlayConfidence() string {
	return "clamp"
}

func (svc *hardcodedService) GetDecodeRetries() int {
	return 1
}

func (svc *hardcodedService) GetInferTimeout() int {
	// No timeout: a slow model is tolerated
	return 0
}

func (svc *hardcodedService) GetMetricsPort() int {
	return 0
}

func (svc *hardcodedService) GetStatsPeriodicTimeout() int {
	return 30
}

func (svc *hardcodedService) GetOnnxParameters() OnnxParameters {
	// fcn_resnet50 style segmentation model (21 VOC classes, raw scores)
	return OnnxParameters{
		InputWidth:  0,
		InputHeight: 0,
		Classes:     21,
		Normalized:  false,
		SwapRB:      true,
	}
}

func (svc *hardcodedService) GetRecorderParameters() RecorderParameters {
	return RecorderParameters{
		RecordOutput:  false,
		SnapshotEvery: 0,
		FPS:           30,
		Logging:       false,
	}
}
