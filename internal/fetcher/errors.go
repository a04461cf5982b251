package fetcher

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/rotisserie/eris"
)

// ErrUnsupportedURL is wrapped by a TransportError raised before any request
// was sent because the URL is not an absolute http(s) URL.
var ErrUnsupportedURL = eris.New("unsupported url")

// TransportError means the request never produced a usable response: DNS,
// connection, TLS, timeout or an unsupported URL.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("document %s did not load: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError means the final response status was not 200.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("url %s: response http code %d", e.URL, e.StatusCode)
}

// EmptyBodyError means an accepted response carried no bytes.
type EmptyBodyError struct {
	URL string
}

func (e *EmptyBodyError) Error() string {
	return fmt.Sprintf("blank response from %s", e.URL)
}

// BodyTooLargeError means the response exceeded the configured size cap.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response from %s exceeds %s", e.URL, datasize.ByteSize(e.Limit).HumanReadable())
}
