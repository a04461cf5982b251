package fetcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// hostLimiters hands out one AdaptiveLimiter per host, created on first use.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
	rates    map[string]rate.Limit
	rate     rate.Limit
	burst    int
}

func newHostLimiters(defaultRate rate.Limit, burst int, overrides map[string]rate.Limit) *hostLimiters {
	rates := make(map[string]rate.Limit, len(overrides))
	for k, v := range overrides {
		rates[k] = v
	}
	return &hostLimiters{
		limiters: make(map[string]*AdaptiveLimiter),
		rates:    rates,
		rate:     defaultRate,
		burst:    burst,
	}
}

func (h *hostLimiters) get(host string) *AdaptiveLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lim, ok := h.limiters[host]; ok {
		return lim
	}
	r := h.rate
	if override, ok := h.rates[host]; ok {
		r = override
	}
	lim := NewAdaptiveLimiter(r, h.burst)
	h.limiters[host] = lim
	return lim
}
