package httpin

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"time"

	gzipfast "github.com/klauspost/compress/gzip"

	"github.com/rsyslog/rsyslog-go/pkg/message"
	"github.com/rsyslog/rsyslog-go/pkg/rlog"
)

// handleRequest implements the per-request handling steps: POST-only,
// remote-address property, content-length-driven buffer growth, gzip
// detection, framed submission, and the final flush.
func (li *ListenerInstance) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if li.auth != nil && !li.auth.authenticate(r) {
		writeUnauthorized(w)
		return
	}

	bufSize := li.cfg.MaxReadBufferSize
	if r.ContentLength > 0 && int(r.ContentLength)+1 > bufSize {
		bufSize = int(r.ContentLength) + 1
	}

	remoteAddr := r.RemoteAddr

	submit := func(body []byte) {
		if !li.limiter.allow() {
			li.incr("http.rate_limited")
			return
		}
		msg := message.Message{
			TimeUnixNano:         uint64(time.Now().UnixNano()),
			ObservedTimeUnixNano: uint64(time.Now().UnixNano()),
			Body:                 body,
		}
		msg = msg.WithProperty("remote_addr", remoteAddr)
		if li.cfg.AddMetadata {
			msg = attachMetadata(msg, r)
		}
		if err := li.submitter.Submit(msg); err != nil && li.errs != nil {
			li.errs(rlog.New(rlog.IOError, "httpin.submit", rlog.LevelWarn, err))
		}
		li.incr("http.records.submitted")
	}
	warn := func(format string, args ...any) {
		li.incr("http.framing.warnings")
	}

	decoder := newFrameDecoder(li.cfg, submit, warn)
	decoder.buf = growIfNeeded(decoder.buf, bufSize)

	body := io.Reader(r.Body)
	if isGzip(r.Header) {
		gz, err := gzipfast.NewReader(bufio.NewReaderSize(r.Body, gzipScratchSize))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	readBuf := make([]byte, defaultReadBufferSize)
	for {
		n, err := body.Read(readBuf)
		if n > 0 {
			decoder.processData(readBuf[:n])
		}
		if err != nil {
			break
		}
	}
	decoder.flushBuffered()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func growIfNeeded(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	return make([]byte, size)
}

func isGzip(h http.Header) bool {
	return strings.EqualFold(h.Get("Content-Encoding"), "gzip")
}

func (li *ListenerInstance) incr(name string) {
	if li.stats == nil {
		return
	}
	li.stats.Counter(name).Add(1)
}
