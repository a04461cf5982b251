// Package allowlist holds the set of content types that may be persisted.
package allowlist

import (
	"mime"
	"strings"
)

// DefaultTypes are the content types accepted when nothing else is configured.
var DefaultTypes = []string{"image/jpg", "image/jpeg", "image/png", "image/gif"}

// List is an immutable set of allowed media types. Methods that change the set
// return a new List; a List may be shared freely between sessions.
type List struct {
	types []string
}

// Default returns a List holding DefaultTypes.
func Default() List {
	return New(DefaultTypes...)
}

// New builds a List from types. Blank entries and duplicates are dropped.
func New(types ...string) List {
	return List{}.Allow(types...)
}

// Allow returns a copy of l with types appended.
func (l List) Allow(types ...string) List {
	out := make([]string, len(l.types), len(l.types)+len(types))
	copy(out, l.types)
	for _, t := range types {
		n := Normalize(t)
		if n == "" || contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return List{types: out}
}

// Contains reports whether contentType is allowed. Parameters such as
// "; charset=binary" are ignored and the comparison is case-insensitive.
func (l List) Contains(contentType string) bool {
	n := Normalize(contentType)
	if n == "" {
		return false
	}
	return contains(l.types, n)
}

// Types returns the allowed types in insertion order.
func (l List) Types() []string {
	out := make([]string, len(l.types))
	copy(out, l.types)
	return out
}

// Len returns the number of allowed types.
func (l List) Len() int {
	return len(l.types)
}

// Normalize reduces a Content-Type header value to its lower-case media type.
func Normalize(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func contains(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
