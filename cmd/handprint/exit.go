package main

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitInterrupted = 1
	ExitBadArgument = 2
	ExitNoNetwork   = 3
	ExitFileError   = 4
	ExitServerError = 5
	ExitException   = 6
)

// exitError carries an explicit exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if stderrors.As(err, &ee) {
		return ee.code
	}

	switch {
	case stderrors.Is(err, errors.ErrInterrupted), stderrors.Is(err, context.Canceled):
		return ExitInterrupted
	case stderrors.Is(err, services.ErrUnknownService):
		return ExitBadArgument
	case errors.HasCode(err, errors.ErrorInputFailed):
		if isNetworkError(err) {
			return ExitNoNetwork
		}
		return ExitFileError
	case errors.HasCode(err, errors.ErrorUnsupportedFormat),
		errors.HasCode(err, errors.ErrorTooLarge),
		errors.HasCode(err, errors.ErrorAlignmentInput):
		return ExitFileError
	case errors.HasCode(err, errors.ErrorStorageFailed),
		errors.HasCode(err, errors.ErrorProcessingTimeout):
		return ExitServerError
	}
	return ExitException
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// outcomeExitCode judges a finished run. It succeeds when any service
// produced a result; otherwise it reports no network if every failure was a
// network error, and a server error if not.
func outcomeExitCode(reports []*model.DocumentReport) int {
	failures := 0
	network := 0
	for _, r := range reports {
		for _, out := range r.Outcomes {
			if out.OK() {
				return ExitSuccess
			}
			failures++
			if out.Err != nil && isNetworkError(out.Err) {
				network++
			}
		}
	}
	switch {
	case failures == 0:
		return ExitSuccess
	case network == failures:
		return ExitNoNetwork
	default:
		return ExitServerError
	}
}
