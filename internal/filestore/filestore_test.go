package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fetchstore/internal/digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Dir: t.TempDir(), Algorithm: digest.MustLookup("sha256")})
	require.NoError(t, err)
	return s
}

func TestFileName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.test/img/photo.png", "photo.png"},
		{"https://example.test/photo.png?size=large#top", "photo.png"},
		{"http://example.test/a/b/c/d.gif", "d.gif"},
		{"https://example.test/img/photo%20one.png", "photo one.png"},
		{"https://example.test/img%2Fx/photo.png", "photo.png"},
		{"photo.jpg", "photo.jpg"},
	}
	for _, tt := range tests {
		got, err := FileName(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestFileNameErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"https://example.test",
		"https://example.test/",
		"https://example.test/img/",
		"https://example.test/img/..",
		"https://example.test/dir/a%2Fb.png",
		"https://example.test/dir/a%5Cb.png",
		"https://example.test/dir/%2E%2E",
		"::not a url",
	} {
		_, err := FileName(raw)
		require.Error(t, err, raw)

		var pe *PathDerivationError
		assert.True(t, errors.As(err, &pe), raw)
	}
}

func TestDerivePath_EncodedSlashDoesNotAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "https://example.test/b.png", []byte("first"))
	require.NoError(t, err)

	_, err = s.Put(ctx, "https://example.test/dir/a%2Fb.png", []byte("second"))
	var pe *PathDerivationError
	require.True(t, errors.As(err, &pe), "got %v", err)
	var hc *HashConflictError
	assert.False(t, errors.As(err, &hc))

	got, err := os.ReadFile(filepath.Join(s.Dir(), "b.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestPut_NewFile(t *testing.T) {
	s := newTestStore(t)
	body := []byte("\x89PNG...")

	res, err := s.Put(context.Background(), "https://example.test/img/photo.png", body)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "photo.png"), res.Path)
	assert.Equal(t, int64(len(body)), res.Size)
	assert.Equal(t, digest.MustLookup("sha256").Sum(body), res.Digest)
	assert.False(t, res.Unchanged)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestPut_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	body := []byte("same bytes")

	_, err := s.Put(ctx, "https://example.test/a.png", body)
	require.NoError(t, err)

	res, err := s.Put(ctx, "https://example.test/a.png", body)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPut_HashConflictLeavesFile(t *testing.T) {
	s := newTestStore(t)
	dest := filepath.Join(s.Dir(), "photo.png")
	require.NoError(t, os.WriteFile(dest, []byte("A"), 0o600))

	_, err := s.Put(context.Background(), "https://example.test/photo.png", []byte("B"))
	require.Error(t, err)

	var hc *HashConflictError
	require.True(t, errors.As(err, &hc))
	assert.Equal(t, dest, hc.Path)
	assert.Equal(t, "sha256", hc.Algorithm)
	assert.Equal(t, digest.MustLookup("sha256").Sum([]byte("A")), hc.Local)
	assert.Equal(t, digest.MustLookup("sha256").Sum([]byte("B")), hc.Remote)
	assert.Contains(t, err.Error(), hc.Local)
	assert.Contains(t, err.Error(), hc.Remote)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), got)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPut_NoTempFilesLeft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "https://example.test/a.png", []byte("a"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "https://example.test/b.png", []byte("b"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "https://example.test/a.png", []byte("changed"))
	require.Error(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, names)
}

func TestPut_PathDerivationError(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "https://example.test/", []byte("x"))
	var pe *PathDerivationError
	require.True(t, errors.As(err, &pe))
}

func TestPut_DestinationIsDirectory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "photo.png"), 0o755))

	_, err := s.Put(context.Background(), "https://example.test/photo.png", []byte("x"))
	var we *WriteError
	require.True(t, errors.As(err, &we))
}

func TestPut_MissingDirectory(t *testing.T) {
	s, err := New(Options{
		Dir:       filepath.Join(t.TempDir(), "gone"),
		Algorithm: digest.MustLookup("sha1"),
	})
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "https://example.test/a.png", []byte("x"))
	var we *WriteError
	require.True(t, errors.As(err, &we))
}

func TestPut_AlgorithmMatters(t *testing.T) {
	dir := t.TempDir()
	body := []byte("payload")
	for _, name := range []string{"md5", "sha1", "sha3-512", "blake2s-256"} {
		s, err := New(Options{Dir: dir, Algorithm: digest.MustLookup(name)})
		require.NoError(t, err)
		res, err := s.Put(context.Background(), "https://example.test/p.bin", body)
		require.NoError(t, err, name)
		assert.Equal(t, digest.MustLookup(name).Sum(body), res.Digest, name)
	}
}

func TestPut_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "https://example.test/a.png", []byte("x"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(s.Dir(), "a.png"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Algorithm: digest.MustLookup("sha1")})
	assert.Error(t, err)

	_, err = New(Options{Dir: t.TempDir()})
	assert.Error(t, err)
}
