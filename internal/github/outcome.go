package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
)

// Outcome classifies the result of a query.
type Outcome int

const (
	OK Outcome = iota
	NotFound
	Unauthorized
	RateLimited
	Transient
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// LatestResult is the outcome of LatestRelease. Release is nil when the
// repository has no releases or the outcome is not OK.
type LatestResult struct {
	Outcome Outcome
	Release *Release
	Err     error
}

// BacklogResult is the outcome of ReleaseBacklog; Releases are newest first.
type BacklogResult struct {
	Outcome  Outcome
	Releases []Release
	Err      error
}

// classify maps a transport or API error to an Outcome and, for rate
// limits, the delay the server asked for.
func classify(err error) (Outcome, time.Duration) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient, 0
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return RateLimited, time.Until(rateErr.Rate.Reset.Time)
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return RateLimited, *abuseErr.RetryAfter
		}
		return RateLimited, 0
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		switch {
		case status == http.StatusNotFound:
			return NotFound, 0
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return Unauthorized, 0
		case status == http.StatusTooManyRequests:
			return RateLimited, ParseRetryAfter(errResp.Response.Header.Get("Retry-After"))
		case status >= 500:
			return Transient, 0
		default:
			return Malformed, 0
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Malformed, 0
	}

	return Transient, 0
}

// ParseRetryAfter reads a Retry-After header given in (possibly fractional) seconds.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
