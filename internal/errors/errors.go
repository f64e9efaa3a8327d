package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the Handprint worker
 *
 * ProcessingError covers whole-document failures (normalization, ground truth,
 * persistence). ServiceError covers a single recognition service and is carried
 * as a value inside a dispatch outcome rather than returned from Dispatch.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Normalization errors
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorTooLarge          ErrorCode = "TOO_LARGE"

	// Comparison errors
	ErrorAlignmentInput ErrorCode = "ALIGNMENT_INPUT"

	// Run errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorInputFailed       ErrorCode = "INPUT_FAILED"
)

// ErrInterrupted is returned when a run is cancelled before all services finished.
var ErrInterrupted = stderrors.New("run interrupted")

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewUnsupportedFormatError(source string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported or undecodable image: %s", source),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": source,
		},
		Cause: cause,
	}
}

func NewTooLargeError(source string, limit int64, width, height int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTooLarge,
		Message:   fmt.Sprintf("Cannot reduce %s below %d bytes without going under the minimum resolution", source, limit),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source":     source,
			"size_limit": limit,
			"width":      width,
			"height":     height,
		},
	}
}

func NewAlignmentInputError(line int, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAlignmentInput,
		Message:   fmt.Sprintf("Malformed ground truth at line %d: %s", line, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"line": line,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store run results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInputFailedError(source string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputFailed,
		Message:   fmt.Sprintf("Cannot read input %s", source),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": source,
		},
		Cause: cause,
	}
}

// HasCode reports whether err is a ProcessingError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var pe *ProcessingError
	return stderrors.As(err, &pe) && pe.Code == code
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
