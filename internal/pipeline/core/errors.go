package core

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrPipelineAlreadyRunning indicates a pipeline is already executing
	// for this task uid.
	ErrPipelineAlreadyRunning = errors.New("pipeline already running for this task")

	// ErrNoStreams indicates the manifest carried no usable representations.
	ErrNoStreams = errors.New("no usable streams in manifest")
)

// StageError wraps an error with stage context.
type StageError struct {
	StageID   string
	StageName string
	Err       error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.StageName, e.StageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stageID, stageName string, err error) *StageError {
	return &StageError{
		StageID:   stageID,
		StageName: stageName,
		Err:       err,
	}
}
