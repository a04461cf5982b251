package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/fetchstore/internal/fetcher"
	"github.com/sells-group/fetchstore/internal/filestore"
)

const imgURL = "https://img.example.com/img/photo.png"

func transport(err error) error {
	return &fetcher.TransportError{URL: imgURL, Err: err}
}

func status(code int) error {
	return &fetcher.HTTPStatusError{URL: imgURL, StatusCode: code}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", status(http.StatusServiceUnavailable), true},
		{"429", status(http.StatusTooManyRequests), true},
		{"408", status(http.StatusRequestTimeout), true},
		{"404", status(http.StatusNotFound), false},
		{"403", status(http.StatusForbidden), false},
		{"wrapped 502", eris.Wrap(status(http.StatusBadGateway), "load"), true},
		{"connection reset", transport(syscall.ECONNRESET), true},
		{"connection refused", transport(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), true},
		{"dns", transport(&net.DNSError{Err: "no such host", Name: "img.example.com", IsNotFound: true}), true},
		{"timeout", transport(&net.DNSError{Err: "i/o timeout", IsTimeout: true}), true},
		{"eof mid body", transport(eris.Wrap(io.ErrUnexpectedEOF, "read body")), true},
		{"idle connection closed", transport(errors.New("http: server closed idle connection")), true},
		{"unsupported url", transport(fetcher.ErrUnsupportedURL), false},
		{"wrapped unsupported url", transport(eris.Wrap(fetcher.ErrUnsupportedURL, "ftp scheme")), false},
		{"cancelled", transport(context.Canceled), false},
		{"empty body", &fetcher.EmptyBodyError{URL: imgURL}, false},
		{"body too large", &fetcher.BodyTooLargeError{URL: imgURL, Limit: 1 << 20}, false},
		{"hash conflict", &filestore.HashConflictError{Path: "upload/photo.png", Algorithm: "sha256"}, false},
		{"no path", &filestore.PathDerivationError{URL: "https://img.example.com/", Reason: "no final segment"}, false},
		{"write", &filestore.WriteError{Path: "upload/photo.png", Err: syscall.ENOSPC}, false},
		{"open circuit", &OpenError{Host: "img.example.com", RetryAt: time.Now()}, true},
		{"bare error", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransient_PermanentWinsOverMessage(t *testing.T) {
	// Paths can contain anything, including words the transport check looks for.
	err := &filestore.WriteError{
		Path: "/srv/connection reset by peer/photo.png",
		Err:  transport(syscall.ECONNRESET),
	}
	assert.False(t, IsTransient(err))

	conflict := eris.Wrap(&filestore.HashConflictError{Path: "/srv/i-o timeout/broken pipe.png"}, "store")
	assert.False(t, IsTransient(conflict))
}

func TestTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, TransientStatus(code), code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410, 501} {
		assert.False(t, TransientStatus(code), code)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassifyError(status(http.StatusGatewayTimeout)))
	assert.Equal(t, ClassPermanent, ClassifyError(status(http.StatusNotFound)))
	assert.Equal(t, ClassPermanent, ClassifyError(&filestore.HashConflictError{Path: "p"}))
}
