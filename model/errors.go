package model

import "errors"

var (
	// ErrDecodeFailure is a recoverable hiccup of the frame source.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrSourceExhausted marks the normal end of a frame sequence.
	ErrSourceExhausted = errors.New("source exhausted")
	// ErrConfiguration is returned synchronously for rejected commands or settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrInferenceFailure is a per-frame model runtime error.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrFatalStream ends a pipeline: repeated decode failures or a broken source/processor.
	ErrFatalStream = errors.New("fatal stream error")
	// ErrStopped is returned for commands posted to a stopped pipeline.
	ErrStopped = errors.New("pipeline stopped")
)
