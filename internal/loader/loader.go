// Package loader composes fetching, content-type gating and storage into one
// sequential operation per URL.
package loader

import (
	"context"
	"io/fs"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fetchstore/internal/allowlist"
	"github.com/sells-group/fetchstore/internal/digest"
	"github.com/sells-group/fetchstore/internal/errlog"
	"github.com/sells-group/fetchstore/internal/fetcher"
	"github.com/sells-group/fetchstore/internal/filestore"
	"github.com/sells-group/fetchstore/internal/provision"
)

// Outcome tags a Load that returned no error.
type Outcome int

const (
	// OutcomeStored means the body was written to disk.
	OutcomeStored Outcome = iota
	// OutcomeRejected means the content type was not allowed and nothing was written.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes a Load that did not hard-fail.
type Result struct {
	Outcome     Outcome
	URL         string
	Path        string
	ContentType string
	Digest      string
	Algorithm   string
	Size        int64
	Unchanged   bool
	Reason      string
}

// Stored reports whether a file was written. This is the boolean contract of
// a load call: false means "did nothing", not failure.
func (r *Result) Stored() bool {
	return r != nil && r.Outcome == OutcomeStored
}

// Recorder is notified after every successful write.
type Recorder interface {
	RecordStored(ctx context.Context, res *Result) error
}

// Options configures a Loader.
type Options struct {
	UploadDir string
	HashAlgo  string
	// AllowList defaults to allowlist.Default() when empty.
	AllowList allowlist.List
	DirMode   fs.FileMode
	FileMode  fs.FileMode
	// Fetcher defaults to an HTTPFetcher built from HTTP. Rejections are
	// recorded in Log by the loader itself, so HTTP.Sink should stay nil.
	Fetcher  fetcher.Fetcher
	HTTP     fetcher.HTTPOptions
	Recorder Recorder
	// Log defaults to a fresh errlog.Log.
	Log *errlog.Log
}

// Loader is a session: it owns the allow-list and the error log. Load is not
// safe for concurrent calls resolving to the same destination path.
type Loader struct {
	mu       sync.RWMutex
	dir      string
	dirMode  fs.FileMode
	fileMode fs.FileMode
	algo     digest.Algorithm
	allowed  allowlist.List
	store    *filestore.Store
	fetcher  fetcher.Fetcher
	recorder Recorder
	log      *errlog.Log
}

// New validates the configuration and provisions the upload directory. The
// hash algorithm is checked before anything touches disk or network.
func New(opts Options) (*Loader, error) {
	if opts.HashAlgo == "" {
		opts.HashAlgo = digest.Default
	}
	algo, err := digest.Lookup(opts.HashAlgo)
	if err != nil {
		return nil, eris.Wrap(err, "loader: hash algorithm")
	}
	if opts.UploadDir == "" {
		return nil, eris.New("loader: upload directory is required")
	}
	if opts.AllowList.Len() == 0 {
		opts.AllowList = allowlist.Default()
	}
	if opts.Log == nil {
		opts.Log = errlog.New()
	}
	if opts.DirMode == 0 {
		opts.DirMode = provision.DefaultDirMode
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetcher.NewHTTPFetcher(opts.HTTP)
	}

	l := &Loader{
		dirMode:  opts.DirMode,
		fileMode: opts.FileMode,
		algo:     algo,
		allowed:  opts.AllowList,
		fetcher:  opts.Fetcher,
		recorder: opts.Recorder,
		log:      opts.Log,
	}
	if err := l.SetUploadDir(opts.UploadDir); err != nil {
		return nil, err
	}
	return l, nil
}

// SetUploadDir provisions dir and makes it the destination of later loads.
func (l *Loader) SetUploadDir(dir string) error {
	if err := provision.EnsureDir(dir, l.dirMode); err != nil {
		return eris.Wrap(err, "loader: upload directory")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	store, err := filestore.New(filestore.Options{Dir: dir, Algorithm: l.algo, FileMode: l.fileMode})
	if err != nil {
		return err
	}
	l.dir = dir
	l.store = store
	return nil
}

// SetHashAlgo switches the digest algorithm. Unknown names leave the loader unchanged.
func (l *Loader) SetHashAlgo(name string) error {
	algo, err := digest.Lookup(name)
	if err != nil {
		return eris.Wrap(err, "loader: hash algorithm")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	store, err := filestore.New(filestore.Options{Dir: l.dir, Algorithm: algo, FileMode: l.fileMode})
	if err != nil {
		return err
	}
	l.algo = algo
	l.store = store
	return nil
}

// Allow appends content types to the session allow-list.
func (l *Loader) Allow(types ...string) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed = l.allowed.Allow(types...)
	return l
}

// ResetAllowList restores the default allow-list.
func (l *Loader) ResetAllowList() *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed = allowlist.Default()
	return l
}

// AllowList returns the current allow-list.
func (l *Loader) AllowList() allowlist.List {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowed
}

// UploadDir returns the current destination directory.
func (l *Loader) UploadDir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dir
}

// HashAlgo returns the name of the current digest algorithm.
func (l *Loader) HashAlgo() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.algo.Name()
}

// Errors returns the soft-failure messages recorded so far.
func (l *Loader) Errors() []string {
	return l.log.Entries()
}

// ErrorLog exposes the session error log.
func (l *Loader) ErrorLog() *errlog.Log {
	return l.log
}

// DerivePath returns the destination path rawURL would be stored at.
func (l *Loader) DerivePath(rawURL string) (string, error) {
	l.mu.RLock()
	store := l.store
	l.mu.RUnlock()
	return store.DerivePath(rawURL)
}

// Load fetches rawURL, gates it on the allow-list and stores it. A rejected
// content type yields OutcomeRejected and a nil error; every other problem is
// returned as an error and nothing is written.
func (l *Loader) Load(ctx context.Context, rawURL string) (*Result, error) {
	l.mu.RLock()
	store := l.store
	allowed := l.allowed
	l.mu.RUnlock()

	// Fail on an unusable URL before spending a request on it.
	if _, err := store.DerivePath(rawURL); err != nil {
		return nil, err
	}

	start := time.Now()
	fetched, err := l.fetcher.Fetch(ctx, rawURL, allowed)
	if err != nil {
		return nil, err
	}
	if !fetched.Fetched() {
		reason := fetched.Reason
		if reason == "" {
			reason = "file " + rawURL + " mime type " + fetched.ContentType + " is not supported"
		}
		l.log.Record(reason)
		return &Result{
			Outcome:     OutcomeRejected,
			URL:         rawURL,
			ContentType: fetched.ContentType,
			Reason:      reason,
		}, nil
	}

	put, err := store.Put(ctx, rawURL, fetched.Body)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Outcome:     OutcomeStored,
		URL:         rawURL,
		Path:        put.Path,
		ContentType: fetched.ContentType,
		Digest:      put.Digest,
		Algorithm:   store.Algorithm().Name(),
		Size:        put.Size,
		Unchanged:   put.Unchanged,
	}

	zap.L().Info("loaded",
		zap.String("url", rawURL),
		zap.String("path", res.Path),
		zap.Int64("bytes", res.Size),
		zap.Bool("unchanged", res.Unchanged),
		zap.Duration("elapsed", time.Since(start)),
	)

	if l.recorder != nil {
		if err := l.recorder.RecordStored(ctx, res); err != nil {
			zap.L().Warn("record stored file failed",
				zap.String("path", res.Path),
				zap.Error(err),
			)
		}
	}

	return res, nil
}
