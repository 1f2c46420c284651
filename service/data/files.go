package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
)

type filesDBService struct {
	CfgSvc config.IService
	mu     sync.Mutex
}

// NewFilesDB keeps settings and append-only entity lists as JSON files in the settings folder.
func NewFilesDB(cfgsvc config.IService) IService {
	return &filesDBService{
		CfgSvc: cfgsvc,
	}
}

// RetrieveSettings returns the persisted settings, or the defaults when none were stored yet.
func (svc *filesDBService) RetrieveSettings() (model.Settings, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	settings := model.DefaultSettings()
	data, err := os.ReadFile(svc.CfgSvc.GetSettingsFile())
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return model.DefaultSettings(), fmt.Errorf("corrupt settings %s: %w: %w", svc.CfgSvc.GetSettingsFile(), model.ErrConfiguration, err)
	}
	if settings.VideoInput == nil {
		settings.VideoInput = []string{}
	}
	if _, err := model.NewScaleFactor(settings.Scale); err != nil {
		settings.Scale = model.DefaultScale
	}
	return settings, nil
}

func (svc *filesDBService) StoreSettings(settings model.Settings) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(svc.CfgSvc.GetSettingsFolder(), 0755); err != nil {
		return err
	}
	// Write the JSON data to the file (with truncation)
	return os.WriteFile(svc.CfgSvc.GetSettingsFile(), data, 0644)
}

func (svc *filesDBService) NewError(err interface{}) error {
	// Determine if the error is custom
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		customErr.Processor = "N/A"
		customErr.Inner = e
		customErr.Message = e.Error()
		customErr.StackTrace = "N/A"
	default:
		customErr.Processor = "N/A"
		customErr.Message = fmt.Sprintf("%v", err)
		customErr.StackTrace = "N/A"
	}

	inner := ""
	if customErr.Inner != nil {
		inner = customErr.Inner.Error()
	}

	// Create an error object to persist
	errorData := struct {
		Timestamp  int64                  `json:"timestamp"`
		Processor  string                 `json:"processor"`
		Inner      string                 `json:"innerError"`
		Message    string                 `json:"message"`
		StackTrace string                 `json:"stackTrace"`
		Misc       map[string]interface{} `json:"misc"`
	}{
		Timestamp:  time.Now().Unix(),
		Processor:  customErr.Processor,
		Inner:      inner,
		Message:    customErr.Message,
		StackTrace: customErr.StackTrace,
		Misc:       customErr.Misc,
	}
	return newEntity(svc, errorData, "errors")
}

func (svc *filesDBService) NewPipelineStats(stats model.PipelineStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "pipeline-stats")
}

func (svc *filesDBService) NewSourceStats(stats model.SourceStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "source-stats")
}

func newEntity[T any](svc *filesDBService, entity T, filename string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	path := filepath.Join(svc.CfgSvc.GetSettingsFolder(), filename+".json")
	entities, err := retrieveEntities[T](path)
	if err != nil {
		return err
	}

	entities = append(entities, entity)

	// Marshal the entity data to JSON
	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func retrieveEntities[T any](path string) ([]T, error) {
	entities := []T{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// WARNING: File not found, return empty slice
		return entities, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}
