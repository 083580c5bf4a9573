// Package rlog provides the core error taxonomy and
// the ErrorLogger collaborator every core reports diagnostics through.
// It generalizes omni's errors.go (LogError/ErrorHandler/ErrorLevel)
// from a single ad hoc "something went wrong while logging" shape into
// the closed, spec-defined error kind set the four cores share.
package rlog

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind is the closed taxonomy of error categories the engines report.
type Kind int

const (
	// ParamError: caller supplied an invalid config/argument.
	ParamError Kind = iota
	// OutOfMemory: allocation failed.
	OutOfMemory
	// IOError: an OS I/O call failed.
	IOError
	// NotImplemented: feature advertised but not compiled.
	NotImplemented
	// Suspended: transient failure, host should retry later.
	Suspended
	// DiscardMsg: permanently rejected (4xx non-retryable).
	DiscardMsg
	// DeferCommit: success marker, commit later.
	DeferCommit
	// InternalError: invariant violation.
	InternalError
	// CryInvalidAlgo: crypto stream given an unknown cipher algorithm.
	CryInvalidAlgo
	// CryInvalidMode: crypto stream given an unknown cipher mode.
	CryInvalidMode
	// EIInvalidFile: .encinfo sidecar is malformed or has the wrong cookie.
	EIInvalidFile
	// EIOpenError: .encinfo sidecar could not be opened.
	EIOpenError
	// EIWriteError: .encinfo sidecar write failed.
	EIWriteError
	// RateLimited: the rate limiter rejected the record.
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case ParamError:
		return "param_error"
	case OutOfMemory:
		return "out_of_memory"
	case IOError:
		return "io"
	case NotImplemented:
		return "not_implemented"
	case Suspended:
		return "suspended"
	case DiscardMsg:
		return "discard_msg"
	case DeferCommit:
		return "defer_commit"
	case InternalError:
		return "internal_error"
	case CryInvalidAlgo:
		return "cry_invld_algo"
	case CryInvalidMode:
		return "cry_invld_mode"
	case EIInvalidFile:
		return "ei_invld_file"
	case EIOpenError:
		return "ei_opn_err"
	case EIWriteError:
		return "ei_wr_err"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Level is the severity a CoreError is reported at, independent of Kind
// (e.g. an IOError on a best-effort stat read is Low; the same Kind on
// a write path is High).
type Level int

const (
	LevelLow Level = iota
	LevelWarn
	LevelMedium
	LevelHigh
	LevelCritical
)

// CoreError is the error value every core function returns or reports
// through an ErrorHandler. It implements error and Unwrap so
// errors.Is/As compose with the wrapped cause.
type CoreError struct {
	Kind        Kind
	Operation   string
	Destination string
	Level       Level
	Timestamp   time.Time
	Context     map[string]any
	Err         error
}

// Error implements error.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError, stamping Timestamp with the current time and
// wrapping cause (if non-nil) with github.com/pkg/errors so a later
// errors.Cause() call can recover the original OS/HTTP error even after
// it has crossed the core boundary.
func New(kind Kind, op string, level Level, cause error) *CoreError {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &CoreError{
		Kind:      kind,
		Operation: op,
		Level:     level,
		Timestamp: time.Now(),
		Err:       wrapped,
	}
}

// WithDestination attaches a destination label (a file path, URL, or
// child-process argv[0]) for diagnostics.
func (e *CoreError) WithDestination(dest string) *CoreError {
	e.Destination = dest
	return e
}

// WithContext attaches a key/value pair to Context, creating the map if
// necessary.
func (e *CoreError) WithContext(key string, value any) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorHandler is the ErrorLogger collaborator: a function that emits a
// CoreError out-of-band. No core ever writes to stderr in the hot path;
// it always routes through a handler.
type ErrorHandler func(err *CoreError)

// Silent discards all errors. Useful in tests that only assert on
// return values.
var Silent ErrorHandler = func(err *CoreError) {}
