// Package filestore persists fetched bodies under their original filename and
// refuses to silently replace an existing file with different content.
package filestore

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fetchstore/internal/digest"
)

// DefaultFileMode is applied to every written file.
const DefaultFileMode fs.FileMode = 0o644

// Options configures a Store.
type Options struct {
	Dir       string
	Algorithm digest.Algorithm
	FileMode  fs.FileMode
}

// PutResult describes a completed write.
type PutResult struct {
	Path   string
	Digest string
	Size   int64
	// Unchanged is set when a file with the same digest already existed.
	Unchanged bool
}

// Store writes bodies into a single directory. It does not lock: callers
// must serialize Put calls that resolve to the same destination path.
type Store struct {
	dir  string
	algo digest.Algorithm
	mode fs.FileMode
}

// New creates a Store. The directory is expected to be provisioned already.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, eris.New("filestore: directory is required")
	}
	if opts.Algorithm.Name() == "" {
		return nil, eris.New("filestore: hash algorithm is required")
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultFileMode
	}
	return &Store{dir: opts.Dir, algo: opts.Algorithm, mode: opts.FileMode.Perm()}, nil
}

// Dir returns the destination directory.
func (s *Store) Dir() string {
	return s.dir
}

// Algorithm returns the digest algorithm used for conflict detection.
func (s *Store) Algorithm() digest.Algorithm {
	return s.algo
}

// DerivePath maps rawURL to its destination: the last "/" segment of the URL
// path joined to the store directory.
func (s *Store) DerivePath(rawURL string) (string, error) {
	name, err := FileName(rawURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// FileName returns the last segment of the URL path. Query strings and
// fragments are not part of the name.
func FileName(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", &PathDerivationError{URL: rawURL, Reason: "empty url"}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &PathDerivationError{URL: rawURL, Reason: err.Error()}
	}
	// Split the escaped form so an encoded slash stays inside its segment.
	p := u.EscapedPath()
	if p == "" {
		p = u.Opaque
	}
	if p == "" || strings.HasSuffix(p, "/") {
		return "", &PathDerivationError{URL: rawURL, Reason: "url path has no final segment"}
	}
	seg := p[strings.LastIndex(p, "/")+1:]
	name, err := url.PathUnescape(seg)
	if err != nil {
		return "", &PathDerivationError{URL: rawURL, Reason: err.Error()}
	}
	switch {
	case name == "" || name == "." || name == "..":
		return "", &PathDerivationError{URL: rawURL, Reason: "final segment " + seg + " is not a file name"}
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return "", &PathDerivationError{URL: rawURL, Reason: "final segment " + seg + " contains a separator"}
	}
	return name, nil
}

// Put stores body under the path derived from rawURL. If a file already exists
// there, its digest must equal the digest of body or a HashConflictError is
// returned and the file is left untouched.
func (s *Store) Put(ctx context.Context, rawURL string, body []byte) (*PutResult, error) {
	dest, err := s.DerivePath(rawURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "filestore: put")
	}

	remote := s.algo.Sum(body)
	unchanged := false

	info, err := os.Stat(dest)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, &WriteError{Path: dest, Err: eris.Errorf("%s is a directory", dest)}
		}
		local, err := s.algo.SumFile(dest)
		if err != nil {
			return nil, &WriteError{Path: dest, Err: err}
		}
		if !digest.Equal(local, remote) {
			return nil, &HashConflictError{
				Path:      dest,
				Algorithm: s.algo.Name(),
				Local:     local,
				Remote:    remote,
			}
		}
		unchanged = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, &WriteError{Path: dest, Err: err}
	}

	if err := writeAtomic(dest, body, s.mode); err != nil {
		return nil, &WriteError{Path: dest, Err: err}
	}

	zap.L().Debug("stored file",
		zap.String("url", rawURL),
		zap.String("path", dest),
		zap.String("digest", remote),
		zap.Bool("unchanged", unchanged),
	)

	return &PutResult{
		Path:      dest,
		Digest:    remote,
		Size:      int64(len(body)),
		Unchanged: unchanged,
	}, nil
}

// writeAtomic writes data to a temp file next to dest and renames it into
// place, so readers never observe a partial file.
func writeAtomic(dest string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return eris.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return eris.Wrap(err, "rename into place")
	}
	return nil
}
