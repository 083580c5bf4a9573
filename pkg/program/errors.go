package program

import "errors"

// Sentinel errors the supervisor surfaces to the host, distinct from
// the pkg/rlog taxonomy wrapping it; callers that need CoreError kinds
// wrap these with rlog.New.
var (
	// ErrSuspended is returned when a write/confirm round trip fails in
	// a way the host should retry later (EPIPE, bad status line,
	// confirm timeout, multiline response).
	ErrSuspended = errors.New("program: worker suspended, child unresponsive or dead")

	// ErrDeferCommit signals a transactional commit was deferred by the
	// child (DEFER_COMMIT status line).
	ErrDeferCommit = errors.New("program: commit deferred by child")
)

// Status is the parsed outcome of one status line (or of a write that
// had no confirmation to read).
type Status int

const (
	StatusOK Status = iota
	StatusDeferCommit
	StatusPreviousCommitted
	StatusFailure
)

func parseStatusLine(line string) Status {
	switch line {
	case "OK":
		return StatusOK
	case "DEFER_COMMIT":
		return StatusDeferCommit
	case "PREVIOUS_COMMITTED":
		return StatusPreviousCommitted
	default:
		return StatusFailure
	}
}
