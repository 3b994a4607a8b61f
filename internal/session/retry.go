package session

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeloom-ai/codeloom/internal/provider"
)

const (
	// MaxAttempts is the retry budget for a single model call.
	MaxAttempts = 10

	retryInitialDelay = 2000 * time.Millisecond
	retryBackoff      = 2.0

	// retryHintCeiling is the sanity bound on server retry-after hints. A
	// hint above it is honored only if it still beats the exponential.
	retryHintCeiling = 60 * time.Second
)

// Delay returns how long to wait before the given retry attempt
// (1-based). The exponential base can be overridden by a server
// retry-after hint carried on the error's response headers. Pure
// function, no side effects.
func Delay(err error, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(float64(retryInitialDelay) * math.Pow(retryBackoff, float64(attempt-1)))

	hint, ok := retryHint(err)
	if !ok || hint < 0 {
		return base
	}
	if hint < retryHintCeiling || hint < base {
		return hint
	}
	return base
}

// retryHint extracts a retry-after delay from an API error's headers.
// "retry-after-ms" takes precedence; "retry-after" accepts seconds or an
// HTTP date.
func retryHint(err error) (time.Duration, bool) {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Headers == nil {
		return 0, false
	}

	if v, ok := headerValue(apiErr.Headers, "retry-after-ms"); ok {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(ms, 0) && !math.IsNaN(ms) {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}

	if v, ok := headerValue(apiErr.Headers, "retry-after"); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(secs, 0) && !math.IsNaN(secs) {
			return time.Duration(secs * float64(time.Second)), true
		}
		if t, err := http.ParseTime(v); err == nil {
			return time.Until(t), true
		}
	}

	return 0, false
}

func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	// Header maps from some transports carry canonical casing.
	if v, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return v, true
	}
	return "", false
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// newSummaryBackOff bounds the retries of ancillary model calls
// (summaries, titles) that do not go through the turn retry budget.
func newSummaryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = time.Minute
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}
