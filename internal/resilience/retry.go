package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy says how many times a URL is tried within one run and how long to
// wait between tries.
type Policy struct {
	// Attempts counts the first try. 1 disables retries.
	Attempts int
	// Initial is the wait before the second attempt; each later wait is
	// Multiplier times the previous one, capped at Max.
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each wait by up to ±Jitter of its length.
	Jitter float64

	// Retryable decides whether a failed attempt is repeated. Nil means
	// RetryableInRun.
	Retryable func(err error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy is three attempts starting at 500ms and doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// RetryableInRun is the default Retryable. A transient failure is repeated
// unless the host's circuit is open: the circuit stays open for longer than
// any in-run wait, so only the failed-URL queue retries those.
func RetryableInRun(err error) bool {
	return IsTransient(err) && !errors.Is(err, ErrCircuitOpen)
}

// Delay returns the wait after the n-th failure (0-based) without jitter.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalize()
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) jittered(n int) time.Duration {
	d := float64(p.Delay(n))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * p.Jitter * d
	}
	return time.Duration(max(d, 0))
}

func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = RetryableInRun
	}
	return p
}

// Retry calls fn until it succeeds, fails with an error p does not retry, or
// runs out of attempts. It returns the last value and error along with the
// number of attempts made. Cancelling ctx ends the wait and returns the last
// error.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.normalize()

	var (
		val T
		err error
	)
	for attempt := 1; ; attempt++ {
		val, err = fn(ctx)
		if err == nil || attempt >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return val, attempt, err
		}

		wait := p.jittered(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return val, attempt, err
		case <-t.C:
		}
	}
}

// RetryLogger returns an OnRetry callback that logs each retry of rawURL.
func RetryLogger(rawURL string) func(int, time.Duration, error) {
	host := HostOf(rawURL)
	return func(attempt int, wait time.Duration, err error) {
		zap.L().Warn("retrying load",
			zap.String("url", rawURL),
			zap.String("host", host),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("error_type", ClassifyError(err)),
			zap.Error(err),
		)
	}
}
