// Package batch loads many URLs concurrently while keeping every load that
// resolves to the same destination path on a single goroutine.
package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fetchstore/internal/loader"
	"github.com/sells-group/fetchstore/internal/resilience"
)

// Loader is the part of *loader.Loader the runner needs.
type Loader interface {
	Load(ctx context.Context, rawURL string) (*loader.Result, error)
	DerivePath(rawURL string) (string, error)
}

// FailureQueue receives URLs whose load hard-failed.
type FailureQueue interface {
	EnqueueFailure(ctx context.Context, f resilience.FailedURL) error
}

// Options configures a Runner.
type Options struct {
	// MaxConcurrency bounds how many destination paths are worked at once.
	MaxConcurrency int
	Retry          resilience.Policy
	// Breakers defaults to a fresh registry with default settings.
	Breakers *resilience.HostBreakers
	// Failures, when set, receives every hard failure.
	Failures FailureQueue
	// MaxRetries is stored on queued failures. Default: 3.
	MaxRetries int
	// OnDone is called once per URL as soon as its outcome is known. It may
	// be called from several goroutines at once.
	OnDone func(Item)
}

// Item is the outcome of one URL.
type Item struct {
	URL      string
	Result   *loader.Result
	Err      error
	Attempts int
}

// Report partitions the outcomes of a run, each list in input order.
type Report struct {
	Stored   []Item
	Rejected []Item
	Failed   []Item
}

// Total returns the number of URLs in the report.
func (r *Report) Total() int {
	return len(r.Stored) + len(r.Rejected) + len(r.Failed)
}

// Err combines the errors of all failed items, or returns nil.
func (r *Report) Err() error {
	var err error
	for _, it := range r.Failed {
		err = multierr.Append(err, eris.Wrapf(it.Err, "load %s", it.URL))
	}
	return err
}

// Runner fans loads out across destination paths.
type Runner struct {
	loader Loader
	opts   Options
}

// NewRunner creates a Runner.
func NewRunner(l Loader, opts Options) *Runner {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewHostBreakers(resilience.DefaultBreakerConfig())
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Runner{loader: l, opts: opts}
}

// Breakers returns the host circuit breakers used by the runner.
func (r *Runner) Breakers() *resilience.HostBreakers {
	return r.opts.Breakers
}

// WithOnDone returns a copy of r that reports finished URLs to fn. The copy
// shares r's loader and circuit breakers.
func (r *Runner) WithOnDone(fn func(Item)) *Runner {
	opts := r.opts
	opts.OnDone = fn
	return &Runner{loader: r.loader, opts: opts}
}

// Run loads every URL. Individual failures do not stop the batch; they are
// reported in Report.Failed. The returned error is non-nil only when ctx ends
// before the batch completes.
func (r *Runner) Run(ctx context.Context, urls []string) (*Report, error) {
	return r.run(ctx, urls, r.opts.Failures)
}

func (r *Runner) run(ctx context.Context, urls []string, queue FailureQueue) (*Report, error) {
	items := make([]Item, len(urls))
	groups := r.group(urls, items)

	zap.L().Info("processing batch",
		zap.Int("urls", len(urls)),
		zap.Int("paths", len(groups)),
		zap.Int("concurrency", r.opts.MaxConcurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxConcurrency)

	var stored, rejected, failed atomic.Int64
	for _, idxs := range groups {
		g.Go(func() error {
			// Loads that share a destination must not overlap.
			for _, i := range idxs {
				if err := gctx.Err(); err != nil {
					return err
				}
				it := r.loadOne(gctx, urls[i])
				items[i] = it
				switch {
				case it.Err != nil:
					failed.Add(1)
					r.enqueue(gctx, queue, it)
				case it.Result.Stored():
					stored.Add(1)
				default:
					rejected.Add(1)
				}
				r.done(it)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("stored", stored.Load()),
		zap.Int64("rejected", rejected.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return partition(items), nil
}

// group maps each URL to its destination path. URLs with no derivable path
// fail immediately and are never fetched.
func (r *Runner) group(urls []string, items []Item) [][]int {
	var groups [][]int
	byPath := make(map[string]int)
	for i, u := range urls {
		dest, err := r.loader.DerivePath(u)
		if err != nil {
			items[i] = Item{URL: u, Err: err}
			r.done(items[i])
			continue
		}
		g, ok := byPath[dest]
		if !ok {
			g = len(groups)
			byPath[dest] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func (r *Runner) loadOne(ctx context.Context, rawURL string) Item {
	it := Item{URL: rawURL}
	p := r.opts.Retry
	p.OnRetry = resilience.RetryLogger(rawURL)
	cb := r.opts.Breakers.ForURL(rawURL)

	it.Result, it.Attempts, it.Err = resilience.Retry(ctx, p, func(ctx context.Context) (*loader.Result, error) {
		return resilience.Guard(ctx, cb, func(ctx context.Context) (*loader.Result, error) {
			return r.loader.Load(ctx, rawURL)
		})
	})
	if it.Err != nil {
		it.Result = nil
		zap.L().Error("load failed",
			zap.String("url", rawURL),
			zap.Int("attempts", it.Attempts),
			zap.String("error_type", resilience.ClassifyError(it.Err)),
			zap.Error(it.Err),
		)
	}
	return it
}

func (r *Runner) enqueue(ctx context.Context, queue FailureQueue, it Item) {
	if queue == nil {
		return
	}
	f := resilience.NewFailedURL(it.URL, it.Err, r.opts.MaxRetries, r.backoff(0))
	if err := queue.EnqueueFailure(ctx, f); err != nil {
		zap.L().Warn("failed to enqueue failed url", zap.String("url", it.URL), zap.Error(err))
	}
}

// backoff returns the delay before retry number n of a queued failure.
func (r *Runner) backoff(n int) time.Duration {
	return r.opts.Retry.Delay(n)
}

func (r *Runner) done(it Item) {
	if r.opts.OnDone != nil {
		r.opts.OnDone(it)
	}
}

func partition(items []Item) *Report {
	rep := &Report{}
	for _, it := range items {
		switch {
		case it.Err != nil:
			rep.Failed = append(rep.Failed, it)
		case it.Result.Stored():
			rep.Stored = append(rep.Stored, it)
		default:
			rep.Rejected = append(rep.Rejected, it)
		}
	}
	return rep
}
