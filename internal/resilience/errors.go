package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/sells-group/fetchstore/internal/fetcher"
	"github.com/sells-group/fetchstore/internal/filestore"
)

// Error classes stored on queued failures.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// IsTransient reports whether loading the same URL again later could
// succeed: an overloaded server (408, 429, 5xx), a dropped or timed out
// connection, a DNS failure, or an open host circuit. Everything the local
// store rejects, a malformed URL, any other status and an empty or oversized
// body are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || isPermanent(err) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var se *fetcher.HTTPStatusError
	if errors.As(err, &se) {
		return TransientStatus(se.StatusCode)
	}
	var te *fetcher.TransportError
	if errors.As(err, &te) {
		return transientCause(te.Err)
	}
	return false
}

func isPermanent(err error) bool {
	var (
		conflict *filestore.HashConflictError
		noPath   *filestore.PathDerivationError
		write    *filestore.WriteError
		empty    *fetcher.EmptyBodyError
		tooLarge *fetcher.BodyTooLargeError
	)
	return errors.As(err, &conflict) ||
		errors.As(err, &noPath) ||
		errors.As(err, &write) ||
		errors.As(err, &empty) ||
		errors.As(err, &tooLarge) ||
		errors.Is(err, fetcher.ErrUnsupportedURL)
}

// Messages of connection failures that net/http does not expose as typed errors.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"server closed idle connection",
	"tls handshake timeout",
	"transport connection broken",
}

func transientCause(cause error) bool {
	if cause == nil {
		return false
	}
	if errors.Is(cause, io.EOF) ||
		errors.Is(cause, io.ErrUnexpectedEOF) ||
		errors.Is(cause, syscall.ECONNRESET) ||
		errors.Is(cause, syscall.ECONNREFUSED) ||
		errors.Is(cause, syscall.ECONNABORTED) ||
		errors.Is(cause, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(cause, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(cause.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// TransientStatus reports whether a response status is worth retrying.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ClassifyError returns ClassTransient or ClassPermanent for err.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}
