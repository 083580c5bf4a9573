package otlp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rsyslog/rsyslog-go/pkg/clock"
	"github.com/rsyslog/rsyslog-go/pkg/message"
	"github.com/rsyslog/rsyslog-go/pkg/rlog"
	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

func newTestInstance(t *testing.T, url string, mutate func(*InstanceConfig)) *Instance {
	t.Helper()
	cfg := *DefaultInstanceConfig()
	cfg.Endpoint = url
	cfg.Retry.MaxRetries = 0
	if mutate != nil {
		mutate(&cfg)
	}
	inst, err := buildWithEnv(cfg, func(string) string { return "" })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return inst
}

// three records in one batch produce
// one POST with three ordered logRecords, and records.sent == 3.
func TestSubmitScenario_SingleBatchThreeRecords(t *testing.T) {
	var mu sync.Mutex
	var captured Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) {
		c.Batch.MaxItems = 3
		c.Batch.TimeoutMS = 1000
	})

	reg := stats.NewRegistry()
	w, err := AttachWorker(inst, reg, rlog.Silent, clock.Real{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer w.DetachWorker()

	// MaxItems==3: the first two submits leave data sitting in the
	// batch (DeferCommit); the third crosses the threshold, triggers an
	// in-place flush, and reports the flush's own result.
	wantResults := []Result{ResultDeferCommit, ResultDeferCommit, ResultOk}
	for i, body := range []string{"a", "b", "c"} {
		res := w.Submit(message.Message{Hostname: "h1"}, []byte(body))
		if res != wantResults[i] {
			t.Fatalf("submit %q: got %v, want %v", body, res, wantResults[i])
		}
	}

	// MaxItems==3 forces an in-place flush on the third submit.
	mu.Lock()
	defer mu.Unlock()
	if len(captured.ResourceLogs) != 1 || len(captured.ResourceLogs[0].ScopeLogs) != 1 {
		t.Fatalf("unexpected envelope shape: %+v", captured)
	}
	recs := captured.ResourceLogs[0].ScopeLogs[0].LogRecords
	if len(recs) != 3 {
		t.Fatalf("want 3 logRecords, got %d", len(recs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if recs[i].Body.StringValue == nil || *recs[i].Body.StringValue != want {
			t.Errorf("record %d: want body %q, got %+v", i, want, recs[i].Body)
		}
	}

	snap := stats.Snapshot(reg)
	if snap["otlp.records.sent"] != 3 {
		t.Errorf("records.sent = %d, want 3", snap["otlp.records.sent"])
	}
	if snap["otlp.batches.success"] != 1 {
		t.Errorf("batches.success = %d, want 1", snap["otlp.batches.success"])
	}
}

// distinct hostnames must not be
// promoted to the resource scope, but must remain per-record.
func TestSubmitScenario_DistinctHostnamesStayPerRecord(t *testing.T) {
	var mu sync.Mutex
	var captured Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) {
		c.Batch.MaxItems = 2
	})
	w, err := AttachWorker(inst, stats.NewRegistry(), rlog.Silent, clock.Real{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer w.DetachWorker()

	w.Submit(message.Message{Hostname: "h1"}, []byte("x"))
	w.Submit(message.Message{Hostname: "h2"}, []byte("y"))

	mu.Lock()
	defer mu.Unlock()
	resourceAttrs := captured.ResourceLogs[0].Resource.Attributes
	for _, a := range resourceAttrs {
		if a.Key == "host.name" {
			t.Errorf("resource attributes should not include host.name for distinct hostnames, got %+v", a)
		}
	}

	recs := captured.ResourceLogs[0].ScopeLogs[0].LogRecords
	wantHosts := []string{"h1", "h2"}
	for i, rec := range recs {
		found := false
		for _, a := range rec.Attributes {
			if a.Key == "log.syslog.hostname" && a.Value.StringValue != nil && *a.Value.StringValue == wantHosts[i] {
				found = true
			}
		}
		if !found {
			t.Errorf("record %d missing log.syslog.hostname=%s", i, wantHosts[i])
		}
	}
}

func TestSubmit_UniformHostnamePromotedToResource(t *testing.T) {
	var mu sync.Mutex
	var captured Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) { c.Batch.MaxItems = 2 })
	w, _ := AttachWorker(inst, stats.NewRegistry(), rlog.Silent, clock.Real{})
	defer w.DetachWorker()

	w.Submit(message.Message{Hostname: "same"}, []byte("x"))
	w.Submit(message.Message{Hostname: "same"}, []byte("y"))

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, a := range captured.ResourceLogs[0].Resource.Attributes {
		if a.Key == "host.name" && a.Value.StringValue != nil && *a.Value.StringValue == "same" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected resource-level host.name=same, got %+v", captured.ResourceLogs[0].Resource.Attributes)
	}
	for _, rec := range captured.ResourceLogs[0].ScopeLogs[0].LogRecords {
		for _, a := range rec.Attributes {
			if a.Key == "log.syslog.hostname" {
				t.Errorf("per-record hostname attribute should be stripped when uniform, got %+v", a)
			}
		}
	}
}

// A non-retryable 4xx drops the batch but must still report Ok: the
// batch is gone (nothing left to commit) and new records should keep
// being accepted, so the host must not hold a commit open.
func TestSubmit_4xxDropsBatchAsOk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) { c.Batch.MaxItems = 1 })
	reg := stats.NewRegistry()
	w, _ := AttachWorker(inst, reg, rlog.Silent, clock.Real{})
	defer w.DetachWorker()

	res := w.Submit(message.Message{}, []byte("x"))
	if res != ResultOk {
		t.Fatalf("want ResultOk, got %v", res)
	}
	snap := stats.Snapshot(reg)
	if snap["otlp.batches.dropped"] != 1 {
		t.Errorf("batches.dropped = %d, want 1", snap["otlp.batches.dropped"])
	}
}

func TestSubmit_5xxRetainsBatch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) { c.Batch.MaxItems = 1 })
	reg := stats.NewRegistry()
	w, _ := AttachWorker(inst, reg, rlog.Silent, clock.Real{})
	defer w.DetachWorker()

	res := w.Submit(message.Message{}, []byte("x"))
	if res != ResultSuspended {
		t.Fatalf("want ResultSuspended, got %v", res)
	}
	snap := stats.Snapshot(reg)
	if snap["otlp.batches.retried"] != 1 {
		t.Errorf("batches.retried = %d, want 1", snap["otlp.batches.retried"])
	}
}

// Timeout-driven flush must not drop NoDelay records (invariant 2).
func TestFlushThread_TimeoutFlushesWithoutDropping(t *testing.T) {
	var mu sync.Mutex
	flushed := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		flushed++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := newTestInstance(t, srv.URL, func(c *InstanceConfig) {
		c.Batch.MaxItems = 100
		c.Batch.TimeoutMS = 50
	})
	w, _ := AttachWorker(inst, stats.NewRegistry(), rlog.Silent, clock.Real{})
	defer w.DetachWorker()

	w.Submit(message.Message{Flow: message.NoDelay}, []byte("solo"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := flushed
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for timeout-driven flush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSeverityMapping_DefaultsAndOverride(t *testing.T) {
	cfg := DefaultInstanceConfig()
	if got := severityFor(cfg, 0); got.Number != 24 || got.Text != "EMERGENCY" {
		t.Errorf("priority 0: got %+v", got)
	}
	cfg.SeverityMap = map[int]SeverityMapping{3: {99, "CUSTOM"}}
	if got := severityFor(cfg, 3); got.Number != 99 || got.Text != "CUSTOM" {
		t.Errorf("override: got %+v", got)
	}
	// Priorities not in the override map fall back to defaults.
	if got := severityFor(cfg, 6); got.Number != 9 || got.Text != "INFO" {
		t.Errorf("fallback: got %+v", got)
	}
}

func TestBuild_RejectsUnsupportedProtocol(t *testing.T) {
	cfg := *DefaultInstanceConfig()
	cfg.Endpoint = "http://example.com"
	cfg.Protocol = "grpc"
	_, err := buildWithEnv(cfg, func(string) string { return "" })
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestBuild_SplitsCombinedEndpoint(t *testing.T) {
	cfg := *DefaultInstanceConfig()
	cfg.Endpoint = "https://collector:4318/v1/logs"
	inst, err := buildWithEnv(cfg, func(string) string { return "" })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.base != "https://collector:4318" || inst.path != "/v1/logs" {
		t.Errorf("got base=%q path=%q", inst.base, inst.path)
	}
}

func TestBuild_EnvDefaults(t *testing.T) {
	cfg := InstanceConfig{Batch: DefaultInstanceConfig().Batch}
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT": "http://collector:4318",
		"OTEL_EXPORTER_OTLP_COMPRESSION":   "gzip",
		"OTEL_EXPORTER_OTLP_TIMEOUT":       "2s",
	}
	inst, err := buildWithEnv(cfg, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.cfg.Compression != CompressionGzip {
		t.Errorf("compression = %v, want gzip", inst.cfg.Compression)
	}
	if inst.cfg.RequestTimeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", inst.cfg.RequestTimeout)
	}
	if inst.cfg.Headers["Content-Encoding"] != "gzip" {
		t.Errorf("missing Content-Encoding header for gzip compression")
	}
}

func TestTraceCorrelation_ValidatesLengths(t *testing.T) {
	cfg := DefaultInstanceConfig()
	m := message.Message{Properties: map[string]any{
		"trace_id":    "0123456789abcdef0123456789abcdef",
		"span_id":     "0123456789abcdef",
		"trace_flags": "1",
	}}
	traceID, spanID, flags := extractTraceCorrelation(m, cfg, nil)
	if traceID != "0123456789abcdef0123456789abcdef" || spanID != "0123456789abcdef" {
		t.Fatalf("valid ids rejected: trace=%q span=%q", traceID, spanID)
	}
	if flags == nil || *flags != 1 {
		t.Fatalf("flags not parsed: %+v", flags)
	}

	var warned []string
	bad := message.Message{Properties: map[string]any{"trace_id": "too-short"}}
	traceID, _, _ = extractTraceCorrelation(bad, cfg, func(s string) { warned = append(warned, s) })
	if traceID != "" {
		t.Fatalf("invalid trace_id should be discarded, got %q", traceID)
	}
	if len(warned) == 0 {
		t.Fatal("expected a warning for invalid trace_id")
	}
}
