// Package backoff holds the retry policy shared by the upstream model clients.
package backoff

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// MaxDelay caps a single wait between attempts.
const MaxDelay = 5 * time.Second

// Delay returns the wait before retry number attempt (0 based): base<<attempt, capped at MaxDelay.
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << attempt
	if d > MaxDelay || d <= 0 {
		d = MaxDelay
	}
	return d
}

// Total is the worst case time spent waiting between attempts for maxRetries retries.
func Total(base time.Duration, maxRetries int) time.Duration {
	var sum time.Duration
	for i := 0; i < maxRetries; i++ {
		sum += Delay(base, i)
	}
	return sum
}

// Budget is the worst case duration of a call retried maxRetries times,
// each attempt bounded by timeout.
func Budget(timeout, base time.Duration, maxRetries int) time.Duration {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return time.Duration(maxRetries+1)*timeout + Total(base, maxRetries)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// providers only surface the HTTP status in the error text:
// openai "API returned unexpected status code: 401: ..." and ollama "401 Unauthorized: ..."
var statusPattern = regexp.MustCompile(`(?:status code:?\s*|^)([1-5][0-9]{2})\b`)

type statusCoder interface {
	StatusCode() int
}

// StatusCode extracts the HTTP status carried by a provider error.
func StatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

// Permanent reports whether retrying err cannot succeed: a 4xx answer
// other than request timeout or rate limiting.
func Permanent(err error) bool {
	code, ok := StatusCode(err)
	if !ok {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
