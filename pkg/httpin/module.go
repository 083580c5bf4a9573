package httpin

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rsyslog/rsyslog-go/pkg/message"
	"github.com/rsyslog/rsyslog-go/pkg/rlog"
	"github.com/rsyslog/rsyslog-go/pkg/stats"
)

// Module is the listener set: bind configuration plus every attached
// ListenerInstance. The C module kept this state in module-wide
// globals (s_httpserv, static counter blocks); here that state is just
// this struct, constructed once and threaded through explicitly rather
// than held in package-level variables.
type Module struct {
	cfg    *ModuleConfig
	mux    *http.ServeMux
	server *http.Server

	mu        sync.Mutex
	listeners map[string]*ListenerInstance
}

// ListenerInstance binds one URL path to a ruleset: a submitter, a
// framing discipline, optional auth and rate limiting.
type ListenerInstance struct {
	cfg       *ListenerConfig
	submitter message.Submitter
	stats     stats.Registry
	errs      rlog.ErrorHandler

	auth    *basicAuthGate
	limiter *rateGate
}

// Build validates cfg and prepares (but does not start) the HTTP
// server.
func Build(cfg *ModuleConfig) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	m := &Module{
		cfg:       cfg,
		mux:       mux,
		listeners: make(map[string]*ListenerInstance),
		server: &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
	return m, nil
}

// AddListener validates lcfg, builds its auth/rate-limit gates, and
// mounts it on the module's mux.
func AddListener(m *Module, lcfg *ListenerConfig, submitter message.Submitter, reg stats.Registry, errs rlog.ErrorHandler) (*ListenerInstance, error) {
	if err := lcfg.Validate(); err != nil {
		return nil, err
	}

	li := &ListenerInstance{
		cfg:       lcfg,
		submitter: submitter,
		stats:     reg,
		errs:      errs,
	}
	if lcfg.BasicAuthFile != "" {
		li.auth = newBasicAuthGate(lcfg.BasicAuthFile)
	}
	if lcfg.RatePerSecond > 0 {
		li.limiter = newRateGate(lcfg.RatePerSecond, lcfg.RateBurst)
	}

	m.mu.Lock()
	m.listeners[lcfg.Path] = li
	m.mu.Unlock()

	m.mux.HandleFunc(lcfg.Path, li.handleRequest)
	return li, nil
}

// Run starts the HTTP server and blocks until Stop shuts it down (or
// the server fails to start).
func Run(m *Module) error {
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpin: serve %s: %w", m.cfg.BindAddr, err)
	}
	return nil
}

// Stop gracefully shuts the server down, unblocking Run.
func Stop(m *Module) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpin: shutdown: %w", err)
	}
	return nil
}
