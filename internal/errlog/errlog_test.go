package errlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestRecordKeepsOrder(t *testing.T) {
	l := New()
	l.Record("first")
	l.Recordf("second %d", 2)

	assert.Equal(t, []string{"first", "second 2"}, l.Entries())
	assert.Equal(t, 2, l.Len())
}

func TestEntriesIsACopy(t *testing.T) {
	l := New()
	l.Record("a")
	got := l.Entries()
	got[0] = "mutated"
	assert.Equal(t, []string{"a"}, l.Entries())
}

func TestErrEmpty(t *testing.T) {
	assert.NoError(t, New().Err())
}

func TestErrCombines(t *testing.T) {
	l := New()
	l.Record("file a mime type text/html is not supported")
	l.Record("file b mime type text/plain is not supported")

	err := l.Err()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "text/html")
	assert.Contains(t, err.Error(), "text/plain")
}

func TestConcurrentRecord(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record("x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}
