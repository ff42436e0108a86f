package fetcher

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errRetryableStatus = errors.New("retryable status")

// retryTransport re-issues GET requests answered with a throttling or
// server error status, backing off exponentially. Anything else passes
// straight through. Once retries are spent the last response is returned
// unchanged.
type retryTransport struct {
	next    http.RoundTripper
	retries int
	backoff time.Duration
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter lets a Retry-After header override the next exponential step.
type retryAfter struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfter) NextBackOff() time.Duration {
	if d := b.next; d > 0 {
		b.next = 0
		b.BackOff.NextBackOff()
		return d
	}
	return b.BackOff.NextBackOff()
}

func (b *retryAfter) Reset() {
	b.next = 0
	b.BackOff.Reset()
}

func (t *retryTransport) policy(req *http.Request) (*retryAfter, backoff.BackOff) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.backoff
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	ra := &retryAfter{BackOff: exp}
	return ra, backoff.WithContext(backoff.WithMaxRetries(ra, uint64(t.retries)), req.Context())
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || t.retries <= 0 {
		return t.next.RoundTrip(req)
	}

	ra, policy := t.policy(req)
	var last *http.Response
	n := 0
	op := func() error {
		attempt := req
		if n > 0 {
			attempt = req.Clone(req.Context())
		}
		n++
		resp, err := t.next.RoundTrip(attempt)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = resp
		if !retryableStatus(resp.StatusCode) {
			return nil
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			ra.next = time.Duration(secs) * time.Second
		}
		return errRetryableStatus
	}
	// discard runs only when another attempt follows.
	discard := func(error, time.Duration) {
		io.Copy(io.Discard, io.LimitReader(last.Body, maxBodyBytes))
		last.Body.Close()
		last = nil
	}

	err := backoff.RetryNotify(op, policy, discard)
	switch {
	case err == nil, errors.Is(err, errRetryableStatus):
		return last, nil
	case last != nil:
		last.Body.Close()
	}
	return nil, err
}
