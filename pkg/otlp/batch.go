package otlp

import (
	"regexp"
	"strconv"

	"github.com/rsyslog/rsyslog-go/pkg/message"
)

// BatchEntry is one rendered LogRecord plus its owned strings. Owning
// copies (rather than slices into the caller's Message) is what lets
// submit() release the producer immediately after enqueue.
type BatchEntry struct {
	Record      LogRecord
	Hostname    string
	bodyBytes   int // length of the rendered body, for byte accounting
}

// BatchState is the ordered sequence of pending entries plus the
// accounting fields the flush algorithm and flush thread both read.
// Invariant: EstimatedBytes >= BatchBaseOverhead + sum of
// per-entry overhead whenever len(Entries) > 0, and FirstEnqueueWallMS
// != 0 iff len(Entries) > 0.
type BatchState struct {
	Entries            []BatchEntry
	EstimatedBytes      int
	FirstEnqueueWallMS  int64
}

func (b *BatchState) reset() {
	b.Entries = b.Entries[:0]
	b.EstimatedBytes = 0
	b.FirstEnqueueWallMS = 0
}

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)
)

// extractTraceCorrelation reads and validates the trace_id/span_id/
// trace_flags properties. Invalid values are
// discarded (that field comes back empty, or nil for flags) rather than
// failing the whole submit.
func extractTraceCorrelation(m message.Message, cfg *InstanceConfig, onWarn func(string)) (traceID, spanID string, flags *uint32) {
	if v, ok := m.Property(cfg.TraceIDProperty); ok {
		if traceIDPattern.MatchString(v) {
			traceID = v
		} else if onWarn != nil {
			onWarn("invalid trace_id property: expected 32 hex characters")
		}
	}
	if v, ok := m.Property(cfg.SpanIDProperty); ok {
		if spanIDPattern.MatchString(v) {
			spanID = v
		} else if onWarn != nil {
			onWarn("invalid span_id property: expected 16 hex characters")
		}
	}
	if v, ok := m.Property(cfg.TraceFlagsProperty); ok {
		n, err := strconv.ParseUint(v, 16, 16)
		if err != nil || n > 0xFF {
			if onWarn != nil {
				onWarn("invalid trace_flags property: expected hex in [0,255]")
			}
		} else {
			f := uint32(n)
			flags = &f
		}
	}
	return traceID, spanID, flags
}

// severityFor looks up the {number, text} pair for a syslog priority,
// preferring a per-instance override over the default table.
func severityFor(cfg *InstanceConfig, priority uint8) SeverityMapping {
	if m, ok := cfg.SeverityMap[int(priority)]; ok {
		return m
	}
	if m, ok := DefaultSeverityMap()[int(priority)]; ok {
		return m
	}
	return SeverityMapping{Number: 0, Text: "UNSPECIFIED"}
}

// buildAttributes assembles the per-record attribute list: the
// remappable syslog fields plus the facility attribute when it is in
// range 0-23.
func buildAttributes(m message.Message, cfg *InstanceConfig, includeHostname bool) []KeyValue {
	var attrs []KeyValue
	add := func(remapKey, propValue string) {
		if propValue == "" {
			return
		}
		name := cfg.AttrRemap[remapKey]
		if name == "" {
			name = DefaultAttrRemap()[remapKey]
		}
		attrs = append(attrs, KeyValue{Key: name, Value: StringAnyValue(propValue)})
	}
	if includeHostname {
		add("hostname", m.Hostname)
	}
	add("app_name", m.AppName)
	add("proc_id", m.ProcID)
	add("msg_id", m.MsgID)
	if m.Facility <= 23 {
		name := cfg.AttrRemap["facility"]
		if name == "" {
			name = DefaultAttrRemap()["facility"]
		}
		attrs = append(attrs, KeyValue{Key: name, Value: IntAnyValue(int64(m.Facility))})
	}
	return attrs
}

// newEntry renders one BatchEntry from a Message and its pre-rendered
// body, performing severity mapping and trace-correlation extraction.
// Hostname is always included in per-record attributes here; whether
// it is instead promoted to the resource scope (and stripped from the
// records) is decided at flush time by buildEnvelope, once every entry
// in the batch is known.
func newEntry(m message.Message, body []byte, cfg *InstanceConfig, onWarn func(string)) BatchEntry {
	sev := severityFor(cfg, m.Severity)
	traceID, spanID, flags := extractTraceCorrelation(m, cfg, onWarn)

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	hostname := m.Hostname

	rec := LogRecord{
		TimeUnixNano:         strconv.FormatUint(m.TimeUnixNano, 10),
		ObservedTimeUnixNano: strconv.FormatUint(m.ObservedTimeUnixNano, 10),
		SeverityNumber:       sev.Number,
		SeverityText:         sev.Text,
		Body:                 StringAnyValue(string(bodyCopy)),
		TraceID:              traceID,
		SpanID:               spanID,
		Flags:                flags,
		Attributes:           buildAttributes(m, cfg, true),
	}

	return BatchEntry{Record: rec, Hostname: hostname, bodyBytes: len(bodyCopy)}
}
