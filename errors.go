package main

import (
	"errors"
	"fmt"
)

// FailureKind buckets stage failures for callers: connectivity means the
// remote service was unreachable or timed out, data means it answered with
// an error or malformed shape, not_found means a listing query came back
// empty, caller_input means the request was rejected before any remote call.
type FailureKind string

const (
	FailConnectivity FailureKind = "connectivity"
	FailData         FailureKind = "data"
	FailNotFound     FailureKind = "not_found"
	FailCallerInput  FailureKind = "caller_input"
)

// StageError is a pipeline failure tagged with the stage that produced it.
// Degraded model output (classification or narration fallback) is never a
// StageError; those paths absorb the failure and answer anyway.
type StageError struct {
	Stage string
	Kind  FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func connectivityErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: FailConnectivity, Err: err}
}

func dataErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: FailData, Err: err}
}

func notFoundErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: FailNotFound, Err: err}
}

func callerInputErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: FailCallerInput, Err: err}
}

// AsStageError unwraps err to its StageError, if it carries one.
func AsStageError(err error) (*StageError, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}
