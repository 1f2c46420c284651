package data

import "github.com/khaledhikmat/vs-infer/model"

type IService interface {
	RetrieveSettings() (model.Settings, error)
	StoreSettings(settings model.Settings) error

	NewError(err interface{}) error
	NewPipelineStats(stats model.PipelineStats) error
	NewSourceStats(stats model.SourceStats) error
}
