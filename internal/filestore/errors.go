package filestore

import "fmt"

// PathDerivationError means no file name could be taken from the URL.
type PathDerivationError struct {
	URL    string
	Reason string
}

func (e *PathDerivationError) Error() string {
	return fmt.Sprintf("url %q was not parsed: %s", e.URL, e.Reason)
}

// HashConflictError means a file already exists at Path with different content.
type HashConflictError struct {
	Path      string
	Algorithm string
	Local     string
	Remote    string
}

func (e *HashConflictError) Error() string {
	return fmt.Sprintf("file %s exists with other data: %s local %s, remote %s",
		e.Path, e.Algorithm, e.Local, e.Remote)
}

// WriteError wraps a filesystem failure while reading or writing Path.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
