// Package fetcher retrieves remote resources over HTTP(S) and gates them on
// their declared content type.
package fetcher

import (
	"context"

	"github.com/sells-group/fetchstore/internal/allowlist"
)

// Fetcher downloads a URL and applies the content-type allow-list.
type Fetcher interface {
	// Fetch performs a GET against rawURL. A content type outside allowed is
	// reported as a Result with StatusRejected and a nil error; transport,
	// status and empty-body failures are returned as errors.
	Fetch(ctx context.Context, rawURL string, allowed allowlist.List) (*Result, error)
}

// Status tags the outcome of a Fetch that did not fail.
type Status int

const (
	// StatusFetched means Body holds an accepted, non-empty payload.
	StatusFetched Status = iota
	// StatusRejected means the content type is not allowed; nothing was read.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusFetched:
		return "fetched"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is the transient product of a single Fetch.
type Result struct {
	Status      Status
	Body        []byte
	ContentType string
	// Reason is the message recorded for a rejection.
	Reason string
}

// Fetched reports whether the result carries a body to store.
func (r *Result) Fetched() bool {
	return r != nil && r.Status == StatusFetched
}
