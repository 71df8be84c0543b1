package lookup

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrNoClient   = errors.New("query client is required")
	// ErrGraceExpired is the failure of a query that did not return within the
	// grace period after it was asked to abort.
	ErrGraceExpired = errors.New("query did not return within grace period")
)

// QueryFailureKind classifies why a single peer query failed.
type QueryFailureKind string

const (
	FailureTimeout  QueryFailureKind = "timeout"
	FailureDial     QueryFailureKind = "dial-error"
	FailureProtocol QueryFailureKind = "protocol-error"
	FailureAborted  QueryFailureKind = "aborted"
)

// QueryFailure is returned by query clients to tag an error with its kind.
type QueryFailure struct {
	Kind QueryFailureKind
	Err  error
}

func NewQueryFailure(kind QueryFailureKind, err error) *QueryFailure {
	return &QueryFailure{Kind: kind, Err: err}
}

func (e *QueryFailure) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *QueryFailure) Unwrap() error {
	return e.Err
}

// ClassifyError returns the failure kind of err. Errors that are not tagged are
// classified by their context error, anything else is a protocol error.
func ClassifyError(err error) QueryFailureKind {
	var qf *QueryFailure
	switch {
	case errors.As(err, &qf):
		return qf.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrGraceExpired):
		return FailureAborted
	default:
		return FailureProtocol
	}
}
