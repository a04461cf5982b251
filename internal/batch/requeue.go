package batch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fetchstore/internal/resilience"
)

// FailureStore is the failed-URL queue consulted by RetryFailed.
type FailureStore interface {
	ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailedURL, error)
	IncrementFailureRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveFailure(ctx context.Context, id string) error
}

// RetryFailed reloads up to limit queued failures that are due. Entries that
// load (stored or rejected) leave the queue; the rest are rescheduled with a
// doubled delay.
func (r *Runner) RetryFailed(ctx context.Context, fs FailureStore, limit int) (*Report, error) {
	entries, err := fs.ListFailures(ctx, resilience.FailureFilter{DueOnly: true, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "batch: list failures")
	}
	if len(entries) == 0 {
		zap.L().Info("no failed urls due for retry")
		return &Report{}, nil
	}

	urls := make([]string, len(entries))
	byURL := make(map[string]resilience.FailedURL, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
		byURL[e.URL] = e
	}

	rep, err := r.run(ctx, urls, nil)
	if err != nil {
		return nil, err
	}

	for _, it := range append(rep.Stored, rep.Rejected...) {
		e := byURL[it.URL]
		if err := fs.RemoveFailure(ctx, e.ID); err != nil {
			zap.L().Warn("failed to remove recovered url", zap.String("url", it.URL), zap.Error(err))
		}
	}
	for _, it := range rep.Failed {
		e := byURL[it.URL]
		next := time.Now().UTC().Add(r.backoff(e.RetryCount + 1))
		if err := fs.IncrementFailureRetry(ctx, e.ID, next, it.Err.Error()); err != nil {
			zap.L().Warn("failed to reschedule failed url", zap.String("url", it.URL), zap.Error(err))
		}
	}
	return rep, nil
}
