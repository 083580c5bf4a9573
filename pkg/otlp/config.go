package otlp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SeverityMapping is the {number, text} pair the exporter emits for one
// syslog priority (0-7).
type SeverityMapping struct {
	Number int
	Text   string
}

// TLSConfig carries the TLS parameters documented for
// InstanceConfig.
type TLSConfig struct {
	CAFile         string
	CADir          string
	ClientCertFile string
	ClientKeyFile  string
	VerifyHostname bool
	VerifyPeer     bool
}

// ProxyConfig carries the egress HTTP proxy parameters.
type ProxyConfig struct {
	URL      string
	User     string
	Password string
}

// RetryPolicy controls the HTTP client's backoff behavior, opaque to
// the submit path.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	JitterPct    int
}

// BatchLimits controls when a batch auto-flushes.
type BatchLimits struct {
	MaxItems   int
	MaxBytes   int
	TimeoutMS  int64
}

// ResourceAttrs is the resource-scope attribute overlay: a flat string
// map plus an arbitrary parsed JSON tree (object/array/scalar), both
// flattened into OTLP attributes at envelope-build time.
type ResourceAttrs struct {
	Strings map[string]string
	JSON    any
}

// InstanceConfig is immutable after Build validates it.
type InstanceConfig struct {
	Endpoint       string // base URL, e.g. "https://collector:4318"
	Path           string // e.g. "/v1/logs"
	Protocol       Protocol
	BodyTemplate   string
	RequestTimeout time.Duration

	Batch BatchLimits
	Retry RetryPolicy

	Compression Compression
	Headers     map[string]string

	Resource   ResourceAttrs
	AttrRemap  map[string]string // rsyslog property name -> OTLP attribute name
	SeverityMap map[int]SeverityMapping // override table, keyed 0-7

	TLS   TLSConfig
	Proxy ProxyConfig

	TraceIDProperty    string
	SpanIDProperty     string
	TraceFlagsProperty string

	SDKVersion string // stamped into telemetry.sdk.version
}

// DefaultSeverityMap is the documented default syslog-to-OTLP severity table.
func DefaultSeverityMap() map[int]SeverityMapping {
	return map[int]SeverityMapping{
		0: {24, "EMERGENCY"},
		1: {23, "ALERT"},
		2: {22, "CRITICAL"},
		3: {17, "ERROR"},
		4: {13, "WARNING"},
		5: {11, "NOTICE"},
		6: {9, "INFO"},
		7: {5, "DEBUG"},
	}
}

// DefaultAttrRemap is the default rsyslog-property -> OTLP-attribute
// mapping documented for resource/record attribute remapping.
func DefaultAttrRemap() map[string]string {
	return map[string]string{
		"hostname": "log.syslog.hostname",
		"app_name": "log.syslog.appname",
		"proc_id":  "log.syslog.procid",
		"msg_id":   "log.syslog.msgid",
		"facility": "log.syslog.facility",
	}
}

// DefaultInstanceConfig returns a config with the documented
// defaults, before environment-variable overlay.
func DefaultInstanceConfig() *InstanceConfig {
	return &InstanceConfig{
		Protocol:       ProtocolHTTPJSON,
		Path:           "/v1/logs",
		RequestTimeout: DefaultRequestTimeoutMS * time.Millisecond,
		Batch: BatchLimits{
			MaxItems:  DefaultBatchMaxItems,
			MaxBytes:  DefaultBatchMaxBytes,
			TimeoutMS: DefaultBatchTimeoutMS,
		},
		Retry: RetryPolicy{
			InitialDelay: DefaultRetryInitialDelayMS * time.Millisecond,
			MaxDelay:     DefaultRetryMaxDelayMS * time.Millisecond,
			MaxRetries:   DefaultRetryMaxRetries,
			JitterPct:    DefaultRetryJitterPercent,
		},
		Compression: CompressionNone,
		Headers:     map[string]string{},
		AttrRemap:   DefaultAttrRemap(),
		SeverityMap: DefaultSeverityMap(),
		TLS: TLSConfig{
			VerifyHostname: true,
			VerifyPeer:     true,
		},
		TraceIDProperty:    "trace_id",
		SpanIDProperty:     "span_id",
		TraceFlagsProperty: "trace_flags",
		SDKVersion:         "0.1.0",
	}
}

// applyEnvDefaults fills unset fields from the OTEL_EXPORTER_OTLP_*
// family of environment variables, preferring the *_LOGS_* variant
// over the generic one when both are set.
func (c *InstanceConfig) applyEnvDefaults(getenv func(string) string) error {
	firstNonEmpty := func(names ...string) string {
		for _, n := range names {
			if v := getenv(n); v != "" {
				return v
			}
		}
		return ""
	}

	if c.Endpoint == "" {
		c.Endpoint = firstNonEmpty("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	if c.Protocol == "" {
		if v := firstNonEmpty("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"); v != "" {
			c.Protocol = Protocol(v)
		} else {
			c.Protocol = ProtocolHTTPJSON
		}
	}

	if c.RequestTimeout == 0 {
		if v := firstNonEmpty("OTEL_EXPORTER_OTLP_LOGS_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); v != "" {
			d, err := parseOTelDuration(v)
			if err != nil {
				return fmt.Errorf("parse timeout env var: %w", err)
			}
			c.RequestTimeout = d
		} else {
			c.RequestTimeout = DefaultRequestTimeoutMS * time.Millisecond
		}
	}

	if c.Compression == CompressionNone {
		if v := firstNonEmpty("OTEL_EXPORTER_OTLP_LOGS_COMPRESSION", "OTEL_EXPORTER_OTLP_COMPRESSION"); v != "" {
			switch v {
			case "gzip":
				c.Compression = CompressionGzip
			case "none":
				c.Compression = CompressionNone
			default:
				return fmt.Errorf("unsupported OTLP compression env value %q", v)
			}
		}
	}

	if v := firstNonEmpty("OTEL_EXPORTER_OTLP_LOGS_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		hdrs, err := parseOTelHeaders(v)
		if err != nil {
			return fmt.Errorf("parse headers env var: %w", err)
		}
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		for k, val := range hdrs {
			if _, exists := c.Headers[k]; !exists {
				c.Headers[k] = val
			}
		}
	}

	return nil
}

// parseOTelDuration parses "5s", "500ms", or a bare number (treated as
// milliseconds).
func parseOTelDuration(v string) (time.Duration, error) {
	switch {
	case strings.HasSuffix(v, "ms"):
		n, err := strconv.Atoi(strings.TrimSuffix(v, "ms"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	case strings.HasSuffix(v, "s"):
		n, err := strconv.Atoi(strings.TrimSuffix(v, "s"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	}
}

// parseOTelHeaders parses comma-separated key=value pairs with
// percent-decoded values.
func parseOTelHeaders(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed header pair %q", pair)
		}
		key := strings.TrimSpace(parts[0])
		val, err := url.QueryUnescape(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("percent-decode header %q: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

// splitCombinedEndpoint splits an endpoint that already carries a path
// (e.g. "https://host:4318/v1/logs") into base + path, leaving Path
// untouched if the endpoint has none.
func splitCombinedEndpoint(endpoint, explicitPath string) (base, path string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		base = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		return base, u.Path, nil
	}
	return strings.TrimRight(endpoint, "/"), explicitPath, nil
}

// validate checks the config for construction-time errors; it does not
// mutate c beyond what Build's env-default pass already did.
func (c *InstanceConfig) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("otlp: endpoint is required")
	}
	if c.Protocol != ProtocolHTTPJSON {
		return fmt.Errorf("otlp: protocol %q not implemented", c.Protocol)
	}
	if c.Batch.MaxItems <= 0 {
		return fmt.Errorf("otlp: batch.max_items must be > 0")
	}
	if c.Batch.MaxBytes <= BatchBaseOverhead {
		return fmt.Errorf("otlp: batch.max_bytes too small")
	}
	for prio := range c.SeverityMap {
		if prio < 0 || prio > 7 {
			return fmt.Errorf("otlp: severity_map priority %d out of range 0-7", prio)
		}
	}
	return nil
}
