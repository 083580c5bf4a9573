package httpin

import (
	"net/http"
	"strings"

	"github.com/rsyslog/rsyslog-go/pkg/message"
)

// attachMetadata sets !metadata!httpheaders and !metadata!queryparams
// on m when the listener has AddMetadata enabled.
func attachMetadata(m message.Message, r *http.Request) message.Message {
	headers := make(map[string]any, len(r.Header))
	count := 0
	for name, values := range r.Header {
		if count >= maxMetadataHeaders {
			break
		}
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
		count++
	}
	m = m.WithProperty("!metadata!httpheaders", headers)

	query := make(map[string]any)
	rawQuery := r.URL.RawQuery
	for _, pair := range splitQuery(rawQuery) {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		query[k] = v
	}
	m = m.WithProperty("!metadata!queryparams", query)

	return m
}

// splitQuery splits a raw query string on either '&' or ';', matching
// the documented (pre-RFC-3986-erratum) separator pair.
func splitQuery(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == '&' || r == ';'
	})
}
