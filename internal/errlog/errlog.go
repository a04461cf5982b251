// Package errlog accumulates non-fatal rejections for later reporting.
package errlog

import (
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
)

// Sink receives soft-failure messages.
type Sink interface {
	Record(msg string)
}

// Log is an ordered, append-only list of messages. It is never cleared; create
// a new Log to start over.
type Log struct {
	mu      sync.Mutex
	entries []string
}

// New returns an empty Log.
func New() *Log {
	return &Log{}
}

// Record appends msg.
func (l *Log) Record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
}

// Recordf appends a formatted message.
func (l *Log) Recordf(format string, args ...any) {
	l.Record(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the recorded messages in insertion order.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Err combines every entry into a single error, or nil if the log is empty.
func (l *Log) Err() error {
	var errs error
	for _, e := range l.Entries() {
		errs = multierr.Append(errs, eris.New(e))
	}
	return errs
}

var _ Sink = (*Log)(nil)
