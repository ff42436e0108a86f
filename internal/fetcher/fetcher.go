// Package fetcher downloads listing pages one request at a time, retrying
// transient failures with backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
)

const maxBodyBytes = 8 << 20

// FetchError is returned once every attempt for a URL has failed, or when
// the site answered in a way that retrying cannot fix.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Fetcher.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	StatusBackoff  time.Duration
	UserAgent      string
	AcceptLanguage string

	// RequestsPerMinute caps page fetches across the process. Zero disables
	// the limit.
	RequestsPerMinute int

	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher is safe for concurrent use. All requests share one gate, so at
// most one page is in flight per process.
type Fetcher struct {
	client     *http.Client
	gate       chan struct{}
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	headers    http.Header
	log        logger.Logger
	metrics    *metrics.Metrics
}

// New creates a fetcher. m may be nil.
func New(opts Options, log logger.Logger, m *metrics.Metrics) *Fetcher {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	headers := http.Header{}
	headers.Set("User-Agent", opts.UserAgent)
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	if opts.AcceptLanguage != "" {
		headers.Set("Accept-Language", opts.AcceptLanguage)
	}
	headers.Set("Upgrade-Insecure-Requests", "1")
	headers.Set("Cache-Control", "max-age=0")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &retryTransport{
				next:    base,
				retries: opts.MaxRetries,
				backoff: opts.StatusBackoff,
			},
		},
		gate:       make(chan struct{}, 1),
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		headers:    headers,
		log:        log,
		metrics:    m,
	}
}

// Fetch returns the body of url. Timeouts, connection errors and error
// statuses are retried up to MaxRetries times with a linearly growing
// delay; 403 and 429 fail at once. Failures are always *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	select {
	case f.gate <- struct{}{}:
	case <-ctx.Done():
		return "", &FetchError{URL: url, Err: ctx.Err()}
	}
	defer func() { <-f.gate }()

	if err := f.limiter.Wait(ctx); err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	var (
		body    string
		ferr    *FetchError
		attempt int
	)
	op := func() error {
		attempt++
		start := time.Now()
		b, status, err := f.get(ctx, url)
		f.metrics.ObserveFetch(time.Since(start), err)
		if err == nil {
			body = b
			return nil
		}

		ferr = &FetchError{URL: url, StatusCode: status, Attempts: attempt, Err: err}
		switch status {
		case http.StatusForbidden:
			f.log.Warn("access denied, possibly blocked", zap.String("url", url))
			return backoff.Permanent(ferr)
		case http.StatusTooManyRequests:
			f.log.Warn("rate limited", zap.String("url", url))
			return backoff.Permanent(ferr)
		}
		return ferr
	}
	retrying := func(err error, wait time.Duration) {
		f.log.Warn("fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: f.retryDelay}, uint64(f.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, retrying); err != nil {
		if ferr == nil {
			return "", &FetchError{URL: url, Err: err}
		}
		if cerr := ctx.Err(); cerr != nil && !errors.Is(ferr, cerr) {
			ferr.Err = errors.Join(ferr.Err, cerr)
		}
		return "", ferr
	}
	f.log.Debug("fetched page", zap.String("url", url), zap.Int("bytes", len(body)))
	return body, nil
}

// linearBackOff waits step, 2*step, 3*step and so on between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

func (f *Fetcher) get(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range f.headers {
		req.Header[k] = v
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return "", resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), resp.StatusCode, nil
}

// Close releases pooled connections. The fetcher stays usable.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
