// Package resilience retries loads, trips per-host circuit breakers and
// describes the queue of URLs whose load hard-failed.
package resilience

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the position of a host's breaker.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrCircuitOpen matches every *OpenError.
var ErrCircuitOpen = eris.New("host circuit is open")

// OpenError is returned instead of calling a host whose breaker is open.
type OpenError struct {
	Host    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("host %s circuit is open until %s", e.Host, e.RetryAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BreakerConfig controls when a host's breaker opens and for how long.
type BreakerConfig struct {
	// Threshold is the number of consecutive counted failures that opens the
	// breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before it lets a
	// single trial through.
	Cooldown time.Duration
	// Counts decides which errors count as failures. Nil means IsTransient,
	// so a 404 or a hash conflict never opens a host's breaker.
	Counts func(err error) bool
	// OnChange runs on every state transition, with the breaker's lock held.
	OnChange func(host string, from, to State)
}

// DefaultBreakerConfig opens after 5 failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker guards calls to one host.
type Breaker struct {
	host string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker returns a closed breaker for host.
func NewBreaker(host string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Counts == nil {
		cfg.Counts = IsTransient
	}
	return &Breaker{host: host, cfg: cfg, now: time.Now}
}

// Host returns the host the breaker guards.
func (b *Breaker) Host() string {
	return b.host
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current run of counted failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reserves a call. It returns an *OpenError while the breaker is open,
// and while half-open it admits only one trial at a time. Every nil return
// must be followed by exactly one Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			return &OpenError{Host: b.host, RetryAt: b.openedAt.Add(b.cfg.Cooldown)}
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return &OpenError{Host: b.host, RetryAt: b.now()}
		}
		b.trial = true
	}
	return nil
}

// Done records the outcome of a call admitted by Allow.
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := err != nil && b.cfg.Counts(err)
	if b.state == StateHalfOpen {
		b.trial = false
		if counted {
			b.open()
			return
		}
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	if !counted {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.Threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(b.host, from, to)
	}
}

// Guard runs fn if b admits it and reports the outcome back to b.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.Allow(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	b.Done(err)
	return val, err
}

// HostBreakers hands out one Breaker per host. Hosts are lower-cased and keep
// their port.
type HostBreakers struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHostBreakers creates an empty registry. Every transition is logged
// before cfg.OnChange runs.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	user := cfg.OnChange
	cfg.OnChange = func(host string, from, to State) {
		zap.L().Warn("host circuit state changed",
			zap.String("host", host),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if user != nil {
			user(host, from, to)
		}
	}
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for host, creating it on first use.
func (hb *HostBreakers) Get(host string) *Breaker {
	host = strings.ToLower(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	b, ok := hb.breakers[host]
	if !ok {
		b = NewBreaker(host, hb.cfg)
		hb.breakers[host] = b
	}
	return b
}

// ForURL returns the breaker for the host of rawURL.
func (hb *HostBreakers) ForURL(rawURL string) *Breaker {
	return hb.Get(HostOf(rawURL))
}

// States snapshots the state of every known host.
func (hb *HostBreakers) States() map[string]State {
	hb.mu.Lock()
	list := make([]*Breaker, 0, len(hb.breakers))
	for _, b := range hb.breakers {
		list = append(list, b)
	}
	hb.mu.Unlock()

	states := make(map[string]State, len(list))
	for _, b := range list {
		states[b.host] = b.State()
	}
	return states
}

// HostOf returns the lower-cased host[:port] of rawURL, or "" when it has none.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
