// Package provision prepares the directory downloaded files are written to.
package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultDirMode is the permission policy for the storage directory.
const DefaultDirMode fs.FileMode = 0o777

// Error reports a directory that could not be brought into a usable state.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EnsureDir makes sure path exists, is a directory, carries exactly the
// permission bits in mode and is writable by the current process. A zero mode
// means DefaultDirMode.
func EnsureDir(path string, mode fs.FileMode) error {
	if path == "" {
		return &Error{Path: path, Op: "validate", Err: eris.New("empty directory path")}
	}
	if mode == 0 {
		mode = DefaultDirMode
	}
	mode = mode.Perm()

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, mode); err != nil {
			return &Error{Path: path, Op: "create", Err: err}
		}
		zap.L().Debug("created storage directory", zap.String("dir", path))
		if info, err = os.Stat(path); err != nil {
			return &Error{Path: path, Op: "stat", Err: err}
		}
	case err != nil:
		return &Error{Path: path, Op: "stat", Err: err}
	}

	if !info.IsDir() {
		return &Error{Path: path, Op: "validate", Err: eris.Errorf("%s is not a directory", path)}
	}

	// MkdirAll is subject to umask, so the bits are checked even for a fresh directory.
	if got := info.Mode().Perm(); got != mode {
		if err := os.Chmod(path, mode); err != nil {
			return &Error{
				Path: path,
				Op:   "chmod",
				Err:  eris.Wrapf(err, "change permission of %s to %04o, now %04o", path, mode, got),
			}
		}
		zap.L().Debug("relaxed storage directory permissions",
			zap.String("dir", path),
			zap.String("from", fmt.Sprintf("%04o", got)),
			zap.String("to", fmt.Sprintf("%04o", mode)),
		)
	}

	probe, err := os.CreateTemp(path, ".fetchstore-probe-*")
	if err != nil {
		return &Error{Path: path, Op: "write probe", Err: err}
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return &Error{Path: path, Op: "remove probe", Err: err}
	}

	return nil
}
