package model

import (
	"fmt"
	"runtime/debug"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

type SourceStats struct {
	Name      string `json:"name"`
	Input     string `json:"input"`
	Frames    int    `json:"frames"`
	Errors    int    `json:"errors"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type PipelineStats struct {
	ID               string  `json:"id"`
	State            string  `json:"state"`
	Processor        string  `json:"processor"`
	Scale            float64 `json:"scale"`
	Decoded          int     `json:"decoded"`
	Published        int     `json:"published"`
	Dropped          int     `json:"dropped"`
	DecodeErrors     int     `json:"decodeErrors"`
	InferenceErrors  int     `json:"inferenceErrors"`
	FPS              float64 `json:"fps"`
	AvgProcTime      float64 `json:"avgProcTime"`
	AvgInferenceTime float64 `json:"avgInferenceTime"`
	Uptime           int64   `json:"uptime"`
	Timestamp        int64   `json:"timestamp"`
}
