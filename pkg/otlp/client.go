package otlp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-rootcerts"
	"golang.org/x/net/http/httpproxy"
)

// buildHTTPClient constructs the retryablehttp.Client backing one
// worker: TLS (CA file/dir, client cert, hostname/peer verification via
// go-rootcerts), proxy (url/user/password via x/net/http/httpproxy),
// and the retry policy (exponential backoff with jitter, retrying on
// network error/408/429/5xx).
func buildHTTPClient(cfg *InstanceConfig) (*retryablehttp.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !cfg.TLS.VerifyPeer, // #nosec G402 - operator-selected for self-signed collectors
	}
	if !cfg.TLS.VerifyHostname {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.TLS.CAFile != "" || cfg.TLS.CADir != "" {
		rootCfg := &rootcerts.Config{
			CAFile: cfg.TLS.CAFile,
			CAPath: cfg.TLS.CADir,
		}
		if err := rootcerts.ConfigureTLS(tlsConfig, rootCfg); err != nil {
			return nil, fmt.Errorf("configure TLS root CAs: %w", err)
		}
	}

	if cfg.TLS.ClientCertFile != "" && cfg.TLS.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCertFile, cfg.TLS.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}

	if cfg.Proxy.URL != "" {
		proxyCfg := &httpproxy.Config{HTTPSProxy: cfg.Proxy.URL, HTTPProxy: cfg.Proxy.URL}
		proxyFunc := proxyCfg.ProxyFunc()
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			u, err := proxyFunc(req.URL)
			if err != nil || u == nil {
				return u, err
			}
			if cfg.Proxy.User != "" {
				u.User = url.UserPassword(cfg.Proxy.User, cfg.Proxy.Password)
			}
			return u, nil
		}
	}

	base := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.Logger = nil
	rc.RetryMax = cfg.Retry.MaxRetries
	rc.RetryWaitMin = cfg.Retry.InitialDelay
	rc.RetryWaitMax = cfg.Retry.MaxDelay
	rc.CheckRetry = retryPredicate
	rc.Backoff = jitteredBackoff(cfg.Retry.JitterPct)
	// Hand the last response back once retries are exhausted, so the
	// flush path can classify the final 408/429/5xx status itself.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return rc, nil
}

// retryPredicate retries on network error, 408, 429, and 5xx, matching
// the documented retry policy exactly (retryablehttp's default
// additionally retries some client errors we don't want retried).
func retryPredicate(_ context.Context, resp *http.Response, err error) (bool, error) {
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return false, nil
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// jitteredBackoff implements d_n = min(max, initial * 2^n) jittered by
// +/- jitterPct percent, driven by backoff.ExponentialBackOff's
// generator rather than a hand-rolled doubling loop.
func jitteredBackoff(jitterPct int) retryablehttp.Backoff {
	return func(minDelay, maxDelay time.Duration, attempt int, _ *http.Response) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = minDelay
		b.MaxInterval = maxDelay
		b.Multiplier = 2
		b.RandomizationFactor = float64(jitterPct) / 100
		b.MaxElapsedTime = 0
		b.Reset()

		var d time.Duration
		for i := 0; i <= attempt; i++ {
			d = b.NextBackOff()
		}
		if d <= 0 || d > maxDelay {
			d = maxDelay
		}
		return d
	}
}
