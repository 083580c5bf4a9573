package program

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

// TestCatEchoesRatherThanStatus is scenario 4: /bin/cat echoes the
// written record back verbatim on stdout instead of emitting a status
// line, so the worker must classify the round trip as Suspended.
func TestCatEchoesRatherThanStatus(t *testing.T) {
	catPath := requireBinary(t, "cat")

	cfg := DefaultInstanceConfig()
	cfg.Binary = catPath
	cfg.ConfirmMessages = true
	cfg.ConfirmTimeout = 2 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	reg := stats.NewRegistry()
	inst, err := Build(cfg, reg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	w, err := AttachWorker(inst)
	if err != nil {
		t.Fatalf("AttachWorker: %v", err)
	}

	status, err := OnRecord(w, []byte("msg\n"))
	if err == nil {
		t.Fatalf("expected Suspended, got status=%v err=nil", status)
	}
	if status != StatusFailure {
		t.Errorf("status = %v, want StatusFailure", status)
	}
	if got := reg.Counter("program.records.suspended").Value(); got != 1 {
		t.Errorf("program.records.suspended = %d, want 1", got)
	}

	if err := DetachWorker(w); err != nil {
		t.Fatalf("DetachWorker: %v", err)
	}
	if err := Destroy(inst); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

// TestRecordRoundTripWithoutConfirm exercises a child that never needs
// to speak the status protocol.
func TestRecordRoundTripWithoutConfirm(t *testing.T) {
	catPath := requireBinary(t, "cat")
	devNull := filepath.Join(t.TempDir(), "discard")

	cfg := DefaultInstanceConfig()
	cfg.Binary = catPath
	cfg.OutputCapturePath = devNull
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	reg := stats.NewRegistry()
	inst, err := Build(cfg, reg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	w, err := AttachWorker(inst)
	if err != nil {
		t.Fatalf("AttachWorker: %v", err)
	}

	status, err := OnRecord(w, []byte("hello"))
	if err != nil {
		t.Fatalf("OnRecord: %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %v, want StatusOK", status)
	}
	if got := reg.Counter("program.records.ok").Value(); got != 1 {
		t.Errorf("program.records.ok = %d, want 1", got)
	}

	if err := DetachWorker(w); err != nil {
		t.Fatalf("DetachWorker: %v", err)
	}
	if err := Destroy(inst); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestEnsureTrailingLF(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc", "abc\n"},
		{"abc\n", "abc\n"},
		{"", "\n"},
	}
	for _, c := range cases {
		got := string(ensureTrailingLF([]byte(c.in)))
		if got != c.want {
			t.Errorf("ensureTrailingLF(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseStatusLine(t *testing.T) {
	cases := map[string]Status{
		"OK":                  StatusOK,
		"DEFER_COMMIT":        StatusDeferCommit,
		"PREVIOUS_COMMITTED":  StatusPreviousCommitted,
		"garbage":             StatusFailure,
		"":                    StatusFailure,
	}
	for line, want := range cases {
		if got := parseStatusLine(line); got != want {
			t.Errorf("parseStatusLine(%q) = %v, want %v", line, got, want)
		}
	}
}
