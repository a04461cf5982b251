package store

import (
	"context"
	"time"

	"github.com/sells-group/fetchstore/internal/loader"
)

// Recorder adapts a Store to loader.Recorder.
type Recorder struct {
	Store Store
}

// NewRecorder returns a loader.Recorder writing to s.
func NewRecorder(s Store) *Recorder {
	return &Recorder{Store: s}
}

// RecordStored implements loader.Recorder.
func (r *Recorder) RecordStored(ctx context.Context, res *loader.Result) error {
	now := time.Now().UTC()
	return r.Store.RecordStored(ctx, StoredFile{
		Path:          res.Path,
		URL:           res.URL,
		ContentType:   res.ContentType,
		Digest:        res.Digest,
		Algorithm:     res.Algorithm,
		Size:          res.Size,
		FetchCount:    1,
		FirstStoredAt: now,
		LastStoredAt:  now,
	})
}

var _ loader.Recorder = (*Recorder)(nil)
