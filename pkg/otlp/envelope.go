package otlp

import (
	"encoding/json"
	"strconv"
)

// The envelope types below are a typed tree, not an untyped
// map[string]interface{} graph: every OTLP shape this exporter emits
// has a named Go struct, and AnyValue is the one deliberate sum type
// (mirroring OTLP's own common.proto AnyValue oneof) used for attribute
// values and the free-form resource JSON overlay. This keeps envelope
// construction mechanical instead of hand-rolled JSON-object building.

// AnyValue is OTLP's tagged union of scalar/array/object attribute
// values. Exactly one field is set; MarshalJSON emits only that one.
type AnyValue struct {
	StringValue *string
	IntValue    *int64 `json:"intValue,string"`
	DoubleValue *float64
	BoolValue   *bool
	ArrayValue  []AnyValue
	ObjectValue map[string]AnyValue
}

// StringAnyValue builds a string-typed AnyValue.
func StringAnyValue(s string) AnyValue { return AnyValue{StringValue: &s} }

// IntAnyValue builds an int-typed AnyValue.
func IntAnyValue(n int64) AnyValue { return AnyValue{IntValue: &n} }

// DoubleAnyValue builds a float-typed AnyValue.
func DoubleAnyValue(f float64) AnyValue { return AnyValue{DoubleValue: &f} }

// BoolAnyValue builds a bool-typed AnyValue.
func BoolAnyValue(b bool) AnyValue { return AnyValue{BoolValue: &b} }

// MarshalJSON implements json.Marshaler, projecting onto OTLP's
// {"stringValue": ...} wire shape.
func (v AnyValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.StringValue != nil:
		return json.Marshal(struct {
			StringValue string `json:"stringValue"`
		}{*v.StringValue})
	case v.IntValue != nil:
		return json.Marshal(struct {
			IntValue string `json:"intValue"`
		}{strconv.FormatInt(*v.IntValue, 10)})
	case v.DoubleValue != nil:
		return json.Marshal(struct {
			DoubleValue float64 `json:"doubleValue"`
		}{*v.DoubleValue})
	case v.BoolValue != nil:
		return json.Marshal(struct {
			BoolValue bool `json:"boolValue"`
		}{*v.BoolValue})
	case v.ArrayValue != nil:
		return json.Marshal(struct {
			ArrayValue struct {
				Values []AnyValue `json:"values"`
			} `json:"arrayValue"`
		}{struct {
			Values []AnyValue `json:"values"`
		}{v.ArrayValue}})
	case v.ObjectValue != nil:
		fields := make([]KeyValue, 0, len(v.ObjectValue))
		for k, val := range v.ObjectValue {
			fields = append(fields, KeyValue{Key: k, Value: val})
		}
		return json.Marshal(struct {
			KvlistValue struct {
				Values []KeyValue `json:"values"`
			} `json:"kvlistValue"`
		}{struct {
			Values []KeyValue `json:"values"`
		}{fields}})
	default:
		return []byte("null"), nil
	}
}

// KeyValue is an OTLP attribute: a name plus a tagged AnyValue.
type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// Resource is the OTLP resource object: a flat attribute list.
type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

// Scope identifies the instrumentation library emitting the records.
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LogRecord is one OTLP log record.
type LogRecord struct {
	TimeUnixNano         string     `json:"timeUnixNano"`
	ObservedTimeUnixNano string     `json:"observedTimeUnixNano"`
	SeverityNumber       int        `json:"severityNumber"`
	SeverityText         string     `json:"severityText"`
	Body                 AnyValue   `json:"body"`
	TraceID              string     `json:"traceId,omitempty"`
	SpanID               string     `json:"spanId,omitempty"`
	Flags                *uint32    `json:"flags,omitempty"`
	Attributes           []KeyValue `json:"attributes,omitempty"`
}

// ScopeLogs groups LogRecords under one Scope.
type ScopeLogs struct {
	Scope      Scope       `json:"scope"`
	LogRecords []LogRecord `json:"logRecords"`
}

// ResourceLogs groups ScopeLogs under one Resource.
type ResourceLogs struct {
	Resource  Resource    `json:"resource"`
	ScopeLogs []ScopeLogs `json:"scopeLogs"`
}

// Envelope is the top-level OTLP/HTTP logs export request body.
type Envelope struct {
	ResourceLogs []ResourceLogs `json:"resourceLogs"`
}

// buildEnvelope assembles the full OTLP export request body from a
// batch's entries. Standard resource attributes
// (service.name, telemetry.sdk.*) are always present; host.name is
// promoted to the resource scope only when every entry shares the same
// non-empty hostname, otherwise each record
// already carries its own log.syslog.hostname attribute from newEntry.
func buildEnvelope(entries []BatchEntry, cfg *InstanceConfig, sdkVersion string) Envelope {
	attrs := []KeyValue{
		{Key: "service.name", Value: StringAnyValue("rsyslog")},
		{Key: "telemetry.sdk.name", Value: StringAnyValue("rsyslog-omotel")},
		{Key: "telemetry.sdk.language", Value: StringAnyValue("C")},
		{Key: "telemetry.sdk.version", Value: StringAnyValue(sdkVersion)},
	}

	for k, v := range cfg.Resource.Strings {
		attrs = append(attrs, KeyValue{Key: k, Value: StringAnyValue(v)})
	}
	attrs = append(attrs, flattenJSONToAttrs(cfg.Resource.JSON)...)

	hostnameAttr := cfg.AttrRemap["hostname"]
	if hostnameAttr == "" {
		hostnameAttr = DefaultAttrRemap()["hostname"]
	}

	host, uniform := uniformHostname(entries)
	records := make([]LogRecord, len(entries))
	for i, e := range entries {
		rec := e.Record
		if uniform {
			// Resource-scope host.name supersedes the per-record
			// attribute: strip it so it isn't emitted twice.
			rec.Attributes = removeAttr(rec.Attributes, hostnameAttr)
		}
		records[i] = rec
	}
	if uniform {
		attrs = append(attrs, KeyValue{Key: "host.name", Value: StringAnyValue(host)})
	}

	return Envelope{
		ResourceLogs: []ResourceLogs{{
			Resource: Resource{Attributes: attrs},
			ScopeLogs: []ScopeLogs{{
				Scope:      Scope{Name: "rsyslog.omotel", Version: sdkVersion},
				LogRecords: records,
			}},
		}},
	}
}

// removeAttr returns attrs with any entry named key removed.
func removeAttr(attrs []KeyValue, key string) []KeyValue {
	if key == "" {
		return attrs
	}
	out := attrs[:0:0]
	for _, a := range attrs {
		if a.Key != key {
			out = append(out, a)
		}
	}
	return out
}

// uniformHostname reports whether every entry carries the identical
// non-empty hostname.
func uniformHostname(entries []BatchEntry) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	host := entries[0].Hostname
	if host == "" {
		return "", false
	}
	for _, e := range entries[1:] {
		if e.Hostname != host {
			return "", false
		}
	}
	return host, true
}

// flattenJSONToAttrs flattens an arbitrary parsed-JSON tree (as
// produced by encoding/json's Unmarshal into interface{}) into OTLP
// KeyValue attributes. string/int/double/bool
// only; arrays/objects/null are skipped (not recursed into), since OTLP
// resource attributes are conventionally flat.
func flattenJSONToAttrs(tree any) []KeyValue {
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil
	}
	var out []KeyValue
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out = append(out, KeyValue{Key: k, Value: StringAnyValue(val)})
		case float64:
			if val == float64(int64(val)) {
				out = append(out, KeyValue{Key: k, Value: IntAnyValue(int64(val))})
			} else {
				out = append(out, KeyValue{Key: k, Value: DoubleAnyValue(val)})
			}
		case bool:
			out = append(out, KeyValue{Key: k, Value: BoolAnyValue(val)})
		default:
			// arrays, nested objects, and null are skipped per spec.
		}
	}
	return out
}
