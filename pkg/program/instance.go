package program

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

// Instance is the built, shared state one or more Workers attach to.
// Cyclic worker<->instance back-pointers (a source pattern the design
// notes flag for re-architecture) are replaced here with a plain
// forward pointer from Worker to Instance plus an Instance-owned
// registry of its live workers — no pointer runs the other direction
// except through that registry.
type Instance struct {
	cfg     *InstanceConfig
	stats   stats.Registry
	capture *outputCapture

	mu     sync.Mutex // serializes shared-child I/O when ForceSingleInstance
	shared *childContext

	workersMu sync.Mutex
	workers   map[*Worker]struct{}
}

// Worker is one attached worker's view of its child. Under
// ForceSingleInstance all workers share the same *childContext.
type Worker struct {
	inst  *Instance
	child *childContext
}

// Build validates cfg and, if output capture is configured, starts the
// capture thread. Child processes are not started until the first
// AttachWorker call.
func Build(cfg *InstanceConfig, registry stats.Registry) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inst := &Instance{
		cfg:     cfg,
		stats:   registry,
		workers: make(map[*Worker]struct{}),
	}

	if cfg.OutputCapturePath != "" {
		oc, err := startOutputCapture(cfg.OutputCapturePath)
		if err != nil {
			return nil, err
		}
		inst.capture = oc
	}

	return inst, nil
}

// AttachWorker starts (or, under ForceSingleInstance, reuses) a child
// and returns a Worker bound to it.
func AttachWorker(inst *Instance) (*Worker, error) {
	if inst.cfg.ForceSingleInstance {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.shared == nil {
			cc, err := startChild(inst.cfg, inst.capture)
			if err != nil {
				return nil, err
			}
			inst.shared = cc
		}
		w := &Worker{inst: inst, child: inst.shared}
		inst.registerWorker(w)
		return w, nil
	}

	cc, err := startChild(inst.cfg, inst.capture)
	if err != nil {
		return nil, err
	}
	w := &Worker{inst: inst, child: cc}
	inst.registerWorker(w)
	return w, nil
}

func (inst *Instance) registerWorker(w *Worker) {
	inst.workersMu.Lock()
	inst.workers[w] = struct{}{}
	inst.workersMu.Unlock()
}

func (inst *Instance) unregisterWorker(w *Worker) (remaining int) {
	inst.workersMu.Lock()
	delete(inst.workers, w)
	remaining = len(inst.workers)
	inst.workersMu.Unlock()
	return remaining
}

// withIOLock runs fn holding the instance mutex when the child is
// shared (ForceSingleInstance); otherwise fn runs unsynchronized, since
// the worker owns its child exclusively.
func (w *Worker) withIOLock(fn func() (Status, error)) (Status, error) {
	if w.inst.cfg.ForceSingleInstance {
		w.inst.mu.Lock()
		defer w.inst.mu.Unlock()
	}
	return fn()
}

func ensureTrailingLF(body []byte) []byte {
	if len(body) > 0 && body[len(body)-1] == '\n' {
		return body
	}
	out := make([]byte, len(body)+1)
	copy(out, body)
	out[len(body)] = '\n'
	return out
}

func (w *Worker) writeAndMaybeConfirm(line []byte, counterPrefix string) (Status, error) {
	return w.withIOLock(func() (Status, error) {
		if err := w.child.write(line); err != nil {
			w.incr(counterPrefix + ".suspended")
			return StatusFailure, ErrSuspended
		}
		if !w.inst.cfg.ConfirmMessages {
			w.incr(counterPrefix + ".ok")
			return StatusOK, nil
		}

		status, err := w.child.readStatus(w.inst.cfg.ConfirmTimeout)
		if err != nil {
			w.reportRestart(counterPrefix)
			return StatusFailure, ErrSuspended
		}
		switch status {
		case StatusOK, StatusPreviousCommitted:
			w.incr(counterPrefix + ".ok")
			return status, nil
		case StatusDeferCommit:
			w.incr(counterPrefix + ".defer_commit")
			return status, ErrDeferCommit
		default:
			// Anything other than a recognized token is a recoverable
			// failure: the child is still alive (unlike the
			// readStatus-detected restart cases above), but this
			// particular record was not acknowledged.
			w.incr(counterPrefix + ".suspended")
			return StatusFailure, ErrSuspended
		}
	})
}

// reportRestart logs the forced restart (embedded LF, oversized line,
// or confirm timeout) with a correlation id so concurrent restarts
// across workers can be told apart, then terminates the now-unusable
// child so TryResume knows to spawn a fresh one.
func (w *Worker) reportRestart(counterPrefix string) {
	w.incr(counterPrefix + ".suspended")
	correlation := uuid.New().String()
	w.inst.cfg.Reporter.Report("program.status_line",
		fmt.Errorf("[%s] malformed or late status line, restarting child pid=%d: %w", correlation, w.child.pid, ErrSuspended))
	_ = w.child.terminate(w.inst.cfg.SignalOnClose, w.inst.cfg.killUnresponsive(), w.inst.cfg.CloseTimeout)
	w.child.markExited()
}

func (w *Worker) incr(name string) {
	if w.inst.stats == nil {
		return
	}
	w.inst.stats.Counter(name).Add(1)
}

// OnBeginTransaction writes the configured begin-transaction marker.
func OnBeginTransaction(w *Worker) (Status, error) {
	if !w.inst.cfg.UseTransactions {
		return StatusOK, nil
	}
	return w.writeAndMaybeConfirm(ensureTrailingLF([]byte(w.inst.cfg.BeginTransactionMark)), "program.transactions.begin")
}

// OnRecord writes one rendered record.
func OnRecord(w *Worker, rendered []byte) (Status, error) {
	return w.writeAndMaybeConfirm(ensureTrailingLF(rendered), "program.records")
}

// OnCommitTransaction writes the configured commit-transaction marker.
func OnCommitTransaction(w *Worker) (Status, error) {
	if !w.inst.cfg.UseTransactions {
		return StatusOK, nil
	}
	return w.writeAndMaybeConfirm(ensureTrailingLF([]byte(w.inst.cfg.CommitTransactionMark)), "program.transactions.commit")
}

// TryResume spawns a fresh child for a worker whose previous child has
// exited (from EPIPE, a forced restart, or natural death), so the host
// can retry after a Suspended result.
func TryResume(w *Worker) error {
	if !w.child.hasExited() {
		return nil
	}
	if w.inst.cfg.ForceSingleInstance {
		w.inst.mu.Lock()
		defer w.inst.mu.Unlock()
		if !w.inst.shared.hasExited() {
			w.child = w.inst.shared
			return nil
		}
		cc, err := startChild(w.inst.cfg, w.inst.capture)
		if err != nil {
			return err
		}
		w.inst.shared = cc
		w.child = cc
		return nil
	}

	cc, err := startChild(w.inst.cfg, w.inst.capture)
	if err != nil {
		return err
	}
	w.child = cc
	return nil
}

// OnHupWorker sends SIGHUP to a worker's own child (meaningful only
// when not ForceSingleInstance) and reopens the shared capture file.
// The forwarded signal is always SIGHUP; InstanceConfig has no setting
// to choose a different one.
func OnHupWorker(w *Worker) error {
	if w.child.cmd.Process != nil {
		_ = w.child.cmd.Process.Signal(signalFor(SignalHUP))
	}
	if w.inst.capture != nil {
		return w.inst.capture.reopen()
	}
	return nil
}

// OnHup forwards HUP to every attached worker's child and reopens the
// capture file once.
func OnHup(inst *Instance) error {
	inst.workersMu.Lock()
	workers := make([]*Worker, 0, len(inst.workers))
	for w := range inst.workers {
		workers = append(workers, w)
	}
	inst.workersMu.Unlock()

	for _, w := range workers {
		if w.child.cmd.Process != nil {
			_ = w.child.cmd.Process.Signal(signalFor(SignalHUP))
		}
	}
	if inst.capture != nil {
		return inst.capture.reopen()
	}
	return nil
}

// DetachWorker terminates w's child (unless it is a still-shared
// ForceSingleInstance child with other attached workers) and
// deregisters w.
func DetachWorker(w *Worker) error {
	remaining := w.inst.unregisterWorker(w)

	if w.inst.cfg.ForceSingleInstance {
		if remaining > 0 {
			return nil
		}
		w.inst.mu.Lock()
		defer w.inst.mu.Unlock()
		if w.inst.shared == nil || w.inst.shared.hasExited() {
			return nil
		}
		err := w.inst.shared.terminate(w.inst.cfg.SignalOnClose, w.inst.cfg.killUnresponsive(), w.inst.cfg.CloseTimeout)
		w.inst.shared = nil
		return err
	}

	if w.child.hasExited() {
		return nil
	}
	return w.child.terminate(w.inst.cfg.SignalOnClose, w.inst.cfg.killUnresponsive(), w.inst.cfg.CloseTimeout)
}

// Destroy terminates any remaining shared child and joins the capture
// thread. Safe to call once all workers have already been detached.
func Destroy(inst *Instance) error {
	var errs []error

	inst.mu.Lock()
	if inst.shared != nil && !inst.shared.hasExited() {
		if err := inst.shared.terminate(inst.cfg.SignalOnClose, inst.cfg.killUnresponsive(), inst.cfg.CloseTimeout); err != nil {
			errs = append(errs, err)
		}
		inst.shared = nil
	}
	inst.mu.Unlock()

	if inst.capture != nil {
		if err := inst.capture.close(); err != nil {
			errs = append(errs, err)
		}
	}

	var merr *multierror.Error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}
