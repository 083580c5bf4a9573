package otlp

// Per-record and per-batch JSON overhead estimates used by the batching
// algorithm to decide when to flush without re-serializing the whole
// envelope on every submit. These mirror the constants omotlp's C
// ancestor bakes in as OMOTLP_BATCH_*_OVERHEAD.
const (
	// BatchBaseOverhead estimates the bytes consumed by the envelope
	// wrapper (resourceLogs/scopeLogs/resource/scope objects) that are
	// present once per batch regardless of record count.
	BatchBaseOverhead = 256
	// BatchRecordOverhead estimates the bytes consumed by one
	// logRecords[] entry's fixed fields (timestamps, severity, object
	// punctuation) excluding the body itself.
	BatchRecordOverhead = 128

	// DefaultRequestTimeoutMS is the default per-POST timeout.
	DefaultRequestTimeoutMS = 30_000
	// DefaultBatchMaxItems is the default max batch record count.
	DefaultBatchMaxItems = 100
	// DefaultBatchMaxBytes is the default max batch byte size.
	DefaultBatchMaxBytes = 1 << 20 // 1 MiB
	// DefaultBatchTimeoutMS is the default max time a batch may sit
	// before being force-flushed.
	DefaultBatchTimeoutMS = 5_000

	// DefaultRetryInitialDelayMS is the first retry backoff delay.
	DefaultRetryInitialDelayMS = 500
	// DefaultRetryMaxDelayMS caps the exponential backoff delay.
	DefaultRetryMaxDelayMS = 30_000
	// DefaultRetryMaxRetries caps the number of retry attempts.
	DefaultRetryMaxRetries = 5
	// DefaultRetryJitterPercent jitters each computed delay by ±this
	// percentage.
	DefaultRetryJitterPercent = 20

	// flushThreadInterval is how often the flush thread wakes to check
	// whether the current batch has aged past BatchTimeoutMS.
	flushThreadInterval = 100 // milliseconds, fixed polling interval for the flush goroutine
)

// Protocol enumerates the wire protocols the exporter can target.
// Only HTTP/JSON is implemented; anything else is rejected at build
// time with NotImplemented.
type Protocol string

// ProtocolHTTPJSON is the only protocol this exporter implements.
const ProtocolHTTPJSON Protocol = "http/json"

// Compression enumerates the payload compression modes.
type Compression int

const (
	// CompressionNone disables compression.
	CompressionNone Compression = iota
	// CompressionGzip gzip-compresses the JSON payload and sets
	// Content-Encoding: gzip.
	CompressionGzip
)
