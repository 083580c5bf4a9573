// Package program implements the external-program output engine
// (omprog): it spawns and supervises a child process, writes rendered
// records to its stdin, optionally reads back a status line per record,
// and captures the child's own stdout/stderr to a log file.
package program

import (
	"fmt"
	"time"
)

// InstanceConfig configures one program-supervisor instance. Mirrors
// the Config/DefaultConfig/Validate triad pkg/omni/config.go uses.
type InstanceConfig struct {
	// Binary is the executable path; Args are passed to it verbatim.
	Binary string
	Args   []string

	// ConfirmMessages, when true, reads one status line from the
	// child's stdout after every write and interprets it per the
	// OK/DEFER_COMMIT/PREVIOUS_COMMITTED/anything-else protocol.
	ConfirmMessages bool

	// UseTransactions brackets batches of records with begin/commit
	// marker lines. If the markers are empty, defaults are substituted
	// on Validate.
	UseTransactions       bool
	BeginTransactionMark  string
	CommitTransactionMark string

	// ForceSingleInstance shares one child across all workers,
	// serialized by a per-instance mutex, instead of one child per
	// worker.
	ForceSingleInstance bool

	// SignalOnClose, if non-zero, is sent to the child when detaching
	// before waiting for it to exit.
	SignalOnClose Signal

	// KillUnresponsive sends SIGKILL if the child hasn't exited by
	// CloseTimeout. Left nil, it defaults to whether SignalOnClose is
	// set, per the documented contract; set it explicitly to override.
	KillUnresponsive *bool

	// ConfirmTimeout bounds how long a status-line read may block.
	ConfirmTimeout time.Duration
	// CloseTimeout bounds how long detach polls for child exit before
	// escalating.
	CloseTimeout time.Duration

	// OutputCapturePath, if set, is where the child's own stdout
	// (when not used for confirmations) and stderr are captured.
	OutputCapturePath string

	// Reporter receives classified failures; see pkg/rlog.
	Reporter ErrorReporter
}

// ErrorReporter receives structured diagnostics from the supervisor.
// Satisfied by an adapter over rlog.ErrorHandler.
type ErrorReporter interface {
	Report(op string, err error)
}

// noopReporter discards diagnostics; used when InstanceConfig.Reporter
// is left nil.
type noopReporter struct{}

func (noopReporter) Report(string, error) {}

const (
	defaultConfirmTimeout = 10 * time.Second
	defaultCloseTimeout   = 5 * time.Second

	defaultBeginMark  = "BEGIN TRANSACTION"
	defaultCommitMark = "COMMIT TRANSACTION"
)

// DefaultInstanceConfig returns a config with the documented defaults:
// a 10s confirm timeout, a 5s close timeout, and no transactions, no
// confirmation, and no single-instance sharing.
func DefaultInstanceConfig() *InstanceConfig {
	return &InstanceConfig{
		ConfirmTimeout: defaultConfirmTimeout,
		CloseTimeout:   defaultCloseTimeout,
		Reporter:       noopReporter{},
	}
}

// Validate checks the config and fills in the documented defaults that
// depend on other fields (transaction markers default once
// UseTransactions is set without explicit marker strings;
// KillUnresponsive defaults to whether SignalOnClose is set).
func (c *InstanceConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("program: Binary must not be empty")
	}
	if c.UseTransactions {
		if c.BeginTransactionMark == "" {
			c.BeginTransactionMark = defaultBeginMark
		}
		if c.CommitTransactionMark == "" {
			c.CommitTransactionMark = defaultCommitMark
		}
	}
	if c.KillUnresponsive == nil {
		v := c.SignalOnClose != SignalNone
		c.KillUnresponsive = &v
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.Reporter == nil {
		c.Reporter = noopReporter{}
	}
	return nil
}

// killUnresponsive returns the resolved (post-Validate) value.
func (c *InstanceConfig) killUnresponsive() bool {
	return c.KillUnresponsive != nil && *c.KillUnresponsive
}

// Signal identifies a process signal the supervisor may deliver to a
// child. Declared as its own type (rather than importing
// syscall.Signal directly into the public contract) so InstanceConfig
// stays portable to hosts that stub signal delivery in tests.
type Signal int

const (
	SignalNone Signal = 0
	SignalHUP  Signal = 1
	SignalTERM Signal = 15
	SignalKILL Signal = 9
)
