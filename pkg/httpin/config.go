// Package httpin implements the HTTP input engine (imhttp): an HTTP
// server that accepts POSTed bodies, frames them into records under
// one of three disciplines, and submits them to the host's routing
// layer.
package httpin

import (
	"fmt"
	"time"
)

const (
	// maxLineLength bounds one octet-counted record, mirroring the
	// core's shared MaxLine constant; longer frames are truncated. It is
	// also the minimum size of the record buffer at which LF-framed and
	// unframed records are cut, but that buffer grows with a request's
	// Content-Length, so those records are not limited to maxLineLength.
	maxLineLength = 64 * 1024

	// maxOctetCount is the documented overflow guard on the
	// octet-counting parser. The upper bound's intent is undocumented
	// upstream; the literal is preserved as-is rather than guessed at.
	maxOctetCount = 200000000

	maxMetadataHeaders = 64

	defaultReadBufferSize = 4096
	gzipScratchSize       = 32 * 1024
)

// ModuleConfig configures the listener set as a whole: the bind
// address and the embedded HTTP server's header-read and shutdown
// timeouts. No other server options are passed through.
type ModuleConfig struct {
	BindAddr string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultModuleConfig returns a config bound to port 8080 on all
// interfaces with conservative timeouts.
func DefaultModuleConfig() *ModuleConfig {
	return &ModuleConfig{
		BindAddr:          ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

func (c *ModuleConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("httpin: BindAddr must not be empty")
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

// ListenerConfig configures one endpoint path within a Module.
type ListenerConfig struct {
	// Path is the URL path this listener is mounted at.
	Path string
	// InputName tags every Message this listener submits, for
	// diagnostics and stats.
	InputName string

	// BasicAuthFile, if set, is an htpasswd-style "user:bcrypt-hash"
	// file; requests must present matching HTTP basic-auth
	// credentials.
	BasicAuthFile string

	// RatePerSecond and RateBurst configure a token-bucket limiter; a
	// zero RatePerSecond disables rate limiting.
	RatePerSecond float64
	RateBurst     int

	// DisableLFDelim selects block-granularity framing: every read
	// chunk becomes one message, with no delimiter search at all.
	DisableLFDelim bool
	// SupportOctetFraming enables the octet-counting discipline
	// (falling back to LF/octet-stuffing framing per message when the
	// first byte of a frame isn't a digit).
	SupportOctetFraming bool

	// AddMetadata attaches !metadata!httpheaders and
	// !metadata!queryparams sub-objects to every submitted message.
	AddMetadata bool

	MaxReadBufferSize int
}

// DefaultListenerConfig returns a config with LF-framing, no auth, no
// rate limiting, and no metadata.
func DefaultListenerConfig(path string) *ListenerConfig {
	return &ListenerConfig{
		Path:              path,
		InputName:         "imhttp",
		MaxReadBufferSize: defaultReadBufferSize,
	}
}

func (c *ListenerConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("httpin: listener Path must not be empty")
	}
	if c.DisableLFDelim && c.SupportOctetFraming {
		return fmt.Errorf("httpin: DisableLFDelim and SupportOctetFraming are mutually exclusive")
	}
	if c.MaxReadBufferSize <= 0 {
		c.MaxReadBufferSize = defaultReadBufferSize
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("httpin: RatePerSecond must not be negative")
	}
	return nil
}
