// Package bilierrors defines the error kinds surfaced by the download pipeline.
package bilierrors

import "fmt"

// Kind classifies a pipeline failure so callers can decide whether to retry.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindQuota           Kind = "quota"
	KindFileBusy        Kind = "file_busy"
	KindAPIAuth         Kind = "api_auth"
	KindAPIOther        Kind = "api_other"
	KindHostInvalidated Kind = "host_invalidated"
	KindCancelled       Kind = "cancelled"
	KindExportTimeout   Kind = "export_timeout"
	KindFatal           Kind = "fatal"
)

// retryable holds the default retryability of each kind per the error handling design.
var retryable = map[Kind]bool{
	KindNetwork:         true,
	KindQuota:           true,
	KindFileBusy:        true,
	KindAPIAuth:         true,
	KindAPIOther:        true,
	KindHostInvalidated: true,
	KindCancelled:       false,
	KindExportTimeout:   true,
	KindFatal:           false,
}

// PipelineError is the structured error the pipeline reports to its scheduler.
type PipelineError struct {
	Kind      Kind
	Code      int // opaque upstream envelope code, 0 if not from an upstream response
	Message   string
	Retryable bool
	cause     error
}

func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.cause
}

// New constructs a PipelineError with the kind's default retryability.
func New(kind Kind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Retryable: retryable[kind]}
}

// Wrap constructs a PipelineError that chains an underlying cause.
func Wrap(kind Kind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Retryable: retryable[kind], cause: cause}
}

// WithCode attaches the opaque upstream response code and returns the same error.
func (e *PipelineError) WithCode(code int) *PipelineError {
	e.Code = code
	return e
}

// Fatal reports an unrecoverable invariant violation, e.g. a box codec parse failure.
func Fatal(format string, args ...any) *PipelineError {
	return New(KindFatal, fmt.Sprintf(format, args...))
}
