// Package digest is the registry of hash algorithms used to detect conflicting
// writes to an already cached file.
package digest

import (
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// Default is the algorithm used when none is configured.
const Default = "sha256"

// UnknownAlgorithmError is returned when a name is not in the registry.
type UnknownAlgorithmError struct {
	Name string
}

func (e *UnknownAlgorithmError) Error() string {
	return "hash algorithm " + e.Name + " not found"
}

var registry = map[string]func() hash.Hash{
	"md5":        md5.New,
	"sha1":       sha1.New,
	"sha224":     sha256.New224,
	"sha256":     sha256.New,
	"sha384":     sha512.New384,
	"sha512":     sha512.New,
	"sha512/224": sha512.New512_224,
	"sha512/256": sha512.New512_256,
	"sha3-224":   sha3.New224,
	"sha3-256":   sha3.New256,
	"sha3-384":   sha3.New384,
	"sha3-512":   sha3.New512,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	"blake2b-384": func() hash.Hash {
		h, _ := blake2b.New384(nil)
		return h
	},
	"blake2b-512": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
	"blake2s-256": func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	},
}

// Algorithm is a validated entry of the registry. The zero value is not usable;
// obtain one with Lookup.
type Algorithm struct {
	name string
	new  func() hash.Hash
}

// Lookup validates name against the registry. Matching is case-insensitive.
func Lookup(name string) (Algorithm, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	fn, ok := registry[key]
	if !ok {
		return Algorithm{}, &UnknownAlgorithmError{Name: name}
	}
	return Algorithm{name: key, new: fn}, nil
}

// MustLookup is like Lookup but panics on unknown names.
func MustLookup(name string) Algorithm {
	a, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return a
}

// Names returns every registered algorithm name in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the canonical registry name.
func (a Algorithm) Name() string {
	return a.name
}

// Sum returns the lower-case hex digest of b.
func (a Algorithm) Sum(b []byte) string {
	h := a.new()
	h.Write(b) //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}

// SumReader streams r through the hash and returns the hex digest.
func (a Algorithm) SumReader(r io.Reader) (string, error) {
	h := a.new()
	if _, err := io.Copy(h, r); err != nil {
		return "", eris.Wrap(err, "digest: read")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile returns the hex digest of the file at path.
func (a Algorithm) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "digest: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return a.SumReader(f)
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
