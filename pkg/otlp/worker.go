// Package otlp implements the OTLP/HTTP log-export engine (omotlp):
// a batching, compressing, retrying, worker-local pipeline that
// converts Messages into OpenTelemetry log export payloads and ships
// them over HTTP.
package otlp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gzipfast "github.com/klauspost/compress/gzip"

	"github.com/rsyslog/rsyslog-go/pkg/clock"
	"github.com/rsyslog/rsyslog-go/pkg/message"
	"github.com/rsyslog/rsyslog-go/pkg/rlog"
	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

// Result is the outcome submit() hands back to the host, describing
// section 4.1.
type Result int

const (
	// ResultOk means the batch was emptied: either the record's own
	// submit flushed and delivered it, or it was dropped by a
	// non-retryable 4xx. Nothing is left buffered for this record.
	ResultOk Result = iota
	// ResultDeferCommit asks the host's transactional commit machinery
	// to hold the commit open: the record is still sitting in the
	// in-memory batch, undelivered, and would be lost on a crash before
	// the next flush.
	ResultDeferCommit
	// ResultSuspended asks the host to retry this record via its own
	// next-layer retry (the HTTP client's retries are exhausted).
	ResultSuspended
)

// Instance is the immutable, validated configuration plus derived
// fields (split endpoint, default-filled headers) build() produces.
type Instance struct {
	cfg      InstanceConfig
	base     string
	path     string
	version  string
}

// Build validates cfg, splits a combined endpoint URL into base+path,
// fills unset fields from OTEL_EXPORTER_OTLP_* environment variables,
// and adds Content-Encoding: gzip when compression is enabled.
func Build(cfg InstanceConfig) (*Instance, error) {
	return buildWithEnv(cfg, realGetenv)
}

func buildWithEnv(cfg InstanceConfig, getenv func(string) string) (*Instance, error) {
	if err := cfg.applyEnvDefaults(getenv); err != nil {
		return nil, fmt.Errorf("otlp build: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/logs"
	}
	base, path, err := splitCombinedEndpoint(cfg.Endpoint, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("otlp build: %w", err)
	}
	cfg.Endpoint = base
	cfg.Path = path

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("otlp build: %w", err)
	}

	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if cfg.Compression == CompressionGzip {
		cfg.Headers["Content-Encoding"] = "gzip"
	}
	if cfg.SDKVersion == "" {
		cfg.SDKVersion = "0.1.0"
	}

	return &Instance{cfg: cfg, base: base, path: path, version: cfg.SDKVersion}, nil
}

func realGetenv(k string) string { return os.Getenv(k) }

// Worker is one worker's view of an Instance: its own HTTP client,
// batch, flush goroutine, and statistics, attached/detached
// independently of any other worker sharing the same Instance.
type Worker struct {
	inst   *Instance
	client *retryablehttp.Client
	clock  clock.Clock
	errs   rlog.ErrorHandler
	reg    stats.Registry

	mu       sync.Mutex
	batch    BatchState
	stopped  bool

	flushWG sync.WaitGroup

	countersOnce sync.Once
	counters     workerCounters
}

type workerCounters struct {
	batchesSubmitted stats.Counter
	batchesSuccess   stats.Counter
	batchesDropped   stats.Counter
	batchesRetried   stats.Counter
	recordsSent      stats.Counter
	status4xx        stats.Counter
	status5xx        stats.Counter
}

// AttachWorker spawns a flush thread, initializes the batch, builds an
// HTTP client carrying the instance's TLS/proxy/header settings, and
// registers per-worker statistics.
func AttachWorker(inst *Instance, reg stats.Registry, errs rlog.ErrorHandler, clk clock.Clock) (*Worker, error) {
	if errs == nil {
		errs = rlog.Silent
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if reg == nil {
		reg = stats.NewRegistry()
	}
	client, err := buildHTTPClient(&inst.cfg)
	if err != nil {
		return nil, fmt.Errorf("attach worker: %w", err)
	}
	w := &Worker{inst: inst, client: client, clock: clk, errs: errs, reg: reg}
	w.counters = workerCounters{
		batchesSubmitted: reg.Counter("otlp.batches.submitted"),
		batchesSuccess:   reg.Counter("otlp.batches.success"),
		batchesDropped:   reg.Counter("otlp.batches.dropped"),
		batchesRetried:   reg.Counter("otlp.batches.retried"),
		recordsSent:      reg.Counter("otlp.records.sent"),
		status4xx:        reg.Counter("otlp.http.status.4xx"),
		status5xx:        reg.Counter("otlp.http.status.5xx"),
	}

	w.flushWG.Add(1)
	go w.flushLoop()

	return w, nil
}

// Submit implements the batching algorithm described in the design notes
// 4.1. body is the pre-rendered record (the host applies BodyTemplate
// before calling Submit).
func (w *Worker) Submit(m message.Message, body []byte) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ResultSuspended
	}

	// Step 2: flush in-place if already at max items.
	if len(w.batch.Entries) >= w.inst.cfg.Batch.MaxItems {
		w.flushLocked()
	}

	entry := newEntry(m, body, &w.inst.cfg, func(msg string) {
		w.errs(rlog.New(rlog.ParamError, "otlp.submit", rlog.LevelWarn, fmt.Errorf("%s", msg)))
	})
	entryBytes := BatchRecordOverhead + entry.bodyBytes

	// Step 4: flush if this entry would exceed max bytes (only once
	// something is already batched; a singleton entry is never refused).
	if len(w.batch.Entries) > 0 && w.batch.EstimatedBytes+entryBytes > w.inst.cfg.Batch.MaxBytes {
		w.flushLocked()
	}

	// Steps 5-7: append and update accounting.
	first := len(w.batch.Entries) == 0
	w.batch.Entries = append(w.batch.Entries, entry)
	if first {
		w.batch.EstimatedBytes = BatchBaseOverhead + entryBytes
		w.batch.FirstEnqueueWallMS = w.clock.NowUnixMilli()
	} else {
		w.batch.EstimatedBytes += entryBytes
	}

	// Step 8: flush if thresholds are now reached.
	if len(w.batch.Entries) >= w.inst.cfg.Batch.MaxItems || w.batch.EstimatedBytes >= w.inst.cfg.Batch.MaxBytes {
		return w.flushLocked()
	}

	// The record is still sitting in the in-memory batch, not delivered:
	// the host must not commit the transaction yet.
	return ResultDeferCommit
}

// flushLoop wakes every 100ms and flushes a batch that has aged past
// BatchTimeoutMS. It performs
// one final flush on exit.
func (w *Worker) flushLoop() {
	defer w.flushWG.Done()
	for {
		w.clock.Sleep(flushThreadInterval * time.Millisecond)

		w.mu.Lock()
		if w.stopped {
			w.flushLocked()
			w.mu.Unlock()
			return
		}
		if len(w.batch.Entries) > 0 {
			age := w.clock.NowUnixMilli() - w.batch.FirstEnqueueWallMS
			if age >= w.inst.cfg.Batch.TimeoutMS {
				w.flushLocked()
			}
		}
		w.mu.Unlock()
	}
}

// DetachWorker sets the stop flag, joins the flush thread (which
// performs the final flush), and destroys the HTTP client.
func (w *Worker) DetachWorker() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.flushWG.Wait()
	w.client.HTTPClient.CloseIdleConnections()
}

// flushLocked implements the 6-step flush algorithm; caller must hold
// w.mu. Returns the Result the triggering Submit (if any) should see.
func (w *Worker) flushLocked() Result {
	if len(w.batch.Entries) == 0 {
		return ResultOk
	}

	w.counters.batchesSubmitted.Add(1)

	envelope := buildEnvelope(w.batch.Entries, &w.inst.cfg, w.inst.version)
	payload, err := json.Marshal(envelope)
	if err != nil {
		w.errs(rlog.New(rlog.InternalError, "otlp.flush", rlog.LevelHigh, err))
		w.batch.reset()
		return ResultSuspended
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range w.inst.cfg.Headers {
		headers[k] = v
	}
	headers["User-Agent"] = "rsyslog-omotlp/" + w.inst.version

	body := payload
	if w.inst.cfg.Compression == CompressionGzip {
		compressed, cerr := gzipCompress(payload)
		if cerr != nil {
			w.errs(rlog.New(rlog.InternalError, "otlp.flush", rlog.LevelHigh, cerr))
			w.batch.reset()
			return ResultSuspended
		}
		body = compressed
		headers["Content-Encoding"] = "gzip"
	}

	count := len(w.batch.Entries)
	resp, reqErr := w.postBatch(body, headers)

	if reqErr != nil {
		// No response / network error: retain the batch for the flush
		// thread or a later submit to retry.
		return ResultSuspended
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.counters.batchesSuccess.Add(1)
		w.counters.recordsSent.Add(int64(count))
		w.batch.reset()
		return ResultOk

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		w.counters.status4xx.Add(1)
		// retryablehttp already retried internally; reaching here means
		// its retries were exhausted.
		w.counters.batchesRetried.Add(1)
		return ResultSuspended

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Non-retryable 4xx: the batch is dropped, but new records
		// should still be accepted, so the caller sees success rather
		// than an open commit that will never complete.
		w.counters.batchesDropped.Add(1)
		w.counters.status4xx.Add(1)
		w.batch.reset()
		return ResultOk

	case resp.StatusCode >= 500:
		w.counters.batchesRetried.Add(1)
		w.counters.status5xx.Add(1)
		return ResultSuspended

	default:
		return ResultSuspended
	}
}

func (w *Worker) postBatch(body []byte, headers map[string]string) (*http.Response, error) {
	url := strings.TrimRight(w.inst.base, "/") + w.inst.path
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return w.client.Do(req)
}

// gzipCompress compresses payload with klauspost/compress's gzip
// implementation, a faster drop-in for compress/gzip.
func gzipCompress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzipfast.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		_ = gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
