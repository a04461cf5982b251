package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fetchstore/internal/allowlist"
	"github.com/sells-group/fetchstore/internal/errlog"
)

// DefaultMaxBodySize caps how much of a response body is buffered.
const DefaultMaxBodySize = 50 * datasize.MB

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize is the largest accepted body in bytes.
	MaxBodySize int64
	// Sink receives a message for every content-type rejection. May be nil;
	// a loader records rejections in its own log, so leave it unset there.
	Sink errlog.Sink
	// SniffMissingType detects the type from the body when the response
	// carries no Content-Type header.
	SniffMissingType bool
	// RatePerHost and Burst configure the per-host limiter; HostRates
	// overrides the rate for specific hosts.
	RatePerHost rate.Limit
	Burst       int
	HostRates   map[string]rate.Limit
	// Client replaces the default client. Its CheckRedirect must follow
	// redirects for Fetch to behave as documented.
	Client *http.Client
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting.
// It never retries; retry policy belongs to the caller.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters *hostLimiters
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fetchstore/1.0"
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = int64(DefaultMaxBodySize.Bytes())
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	client := opts.Client
	if client == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		}
	}

	return &HTTPFetcher{
		client:   client,
		opts:     opts,
		limiters: newHostLimiters(opts.RatePerHost, opts.Burst, opts.HostRates),
	}
}

// LimiterFor returns the adaptive limiter used for host.
func (f *HTTPFetcher) LimiterFor(host string) *AdaptiveLimiter {
	return f.limiters.get(host)
}

// Fetch implements Fetcher. The steps run in a fixed order: request, status
// check, content-type gate, then the empty-body check.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, allowed allowlist.List) (*Result, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: eris.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	lim := f.limiters.get(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, &TransportError{URL: rawURL, Err: eris.Wrap(err, "rate limiter wait")}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	lim.OnSuccess()

	contentType := resp.Header.Get("Content-Type")

	var body []byte
	if contentType == "" && f.opts.SniffMissingType {
		if body, err = f.readBody(rawURL, resp.Body); err != nil {
			return nil, err
		}
		if len(body) > 0 {
			contentType = mimetype.Detect(body).String()
			zap.L().Debug("sniffed content type",
				zap.String("url", rawURL),
				zap.String("content_type", contentType),
			)
		}
	}

	if !allowed.Contains(contentType) {
		reason := "file " + rawURL + " mime type " + contentType + " is not supported"
		if f.opts.Sink != nil {
			f.opts.Sink.Record(reason)
		}
		zap.L().Warn("content type rejected",
			zap.String("url", rawURL),
			zap.String("content_type", contentType),
		)
		return &Result{Status: StatusRejected, ContentType: contentType, Reason: reason}, nil
	}

	if body == nil {
		if body, err = f.readBody(rawURL, resp.Body); err != nil {
			return nil, err
		}
	}
	if len(body) == 0 {
		return nil, &EmptyBodyError{URL: rawURL}
	}

	zap.L().Debug("fetched",
		zap.String("url", rawURL),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(body)),
	)

	return &Result{Status: StatusFetched, Body: body, ContentType: contentType}, nil
}

func (f *HTTPFetcher) readBody(rawURL string, r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBodySize+1))
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: eris.Wrap(err, "read body")}
	}
	if int64(len(body)) > f.opts.MaxBodySize {
		return nil, &BodyTooLargeError{URL: rawURL, Limit: f.opts.MaxBodySize}
	}
	return body, nil
}

func parseHTTPURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(ErrUnsupportedURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Wrapf(ErrUnsupportedURL, "scheme %q, urls must begin with http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, eris.Wrap(ErrUnsupportedURL, "url has no host")
	}
	return u, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
