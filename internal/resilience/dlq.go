package resilience

import (
	"time"
)

// FailedURL is a queued URL whose load hard-failed. Permanent failures are
// kept for inspection with MaxRetries 0, so they are never due.
type FailedURL struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // ClassTransient or ClassPermanent
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// FailureFilter selects queued URLs.
type FailureFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	// DueOnly keeps entries whose NextRetryAt has passed and that have
	// retries left.
	DueOnly bool `json:"due_only,omitempty"`
	Limit   int  `json:"limit,omitempty"`
}

// NewFailedURL queues rawURL after err, first due once wait has passed.
func NewFailedURL(rawURL string, err error, maxRetries int, wait time.Duration) FailedURL {
	now := time.Now().UTC()
	class := ClassifyError(err)
	if class == ClassPermanent {
		maxRetries = 0
	}
	return FailedURL{
		URL:          rawURL,
		Error:        err.Error(),
		ErrorType:    class,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(wait),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry reports whether the entry has retries left.
func (e *FailedURL) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry should be retried at now.
func (e *FailedURL) Due(now time.Time) bool {
	return e.CanRetry() && !now.Before(e.NextRetryAt)
}
