// Package store keeps a manifest of stored files and a queue of URLs whose
// load hard-failed.
package store

import (
	"context"
	"time"

	"github.com/sells-group/fetchstore/internal/resilience"
)

// StoredFile is one manifest row. Path is unique: storing the same path again
// updates the row and bumps FetchCount.
type StoredFile struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	URL           string    `json:"url"`
	ContentType   string    `json:"content_type"`
	Digest        string    `json:"digest"`
	Algorithm     string    `json:"algorithm"`
	Size          int64     `json:"size"`
	FetchCount    int       `json:"fetch_count"`
	FirstStoredAt time.Time `json:"first_stored_at"`
	LastStoredAt  time.Time `json:"last_stored_at"`
}

// Filter specifies criteria for listing stored files.
type Filter struct {
	ContentType string `json:"content_type,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the manifest.
type Store interface {
	// Stored files
	RecordStored(ctx context.Context, f StoredFile) error
	GetStored(ctx context.Context, path string) (*StoredFile, error)
	ListStored(ctx context.Context, filter Filter) ([]StoredFile, error)

	// Failed URLs
	EnqueueFailure(ctx context.Context, f resilience.FailedURL) error
	ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailedURL, error)
	IncrementFailureRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveFailure(ctx context.Context, id string) error
	CountFailures(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100
