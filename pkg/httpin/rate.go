package httpin

import "golang.org/x/time/rate"

// rateGate is a per-listener token-bucket limiter applied per
// submitted record (not per connection): a burst of records within one
// request body can still be individually throttled.
type rateGate struct {
	limiter *rate.Limiter
}

func newRateGate(perSecond float64, burst int) *rateGate {
	if burst <= 0 {
		burst = 1
	}
	return &rateGate{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *rateGate) allow() bool {
	if g == nil {
		return true
	}
	return g.limiter.Allow()
}
