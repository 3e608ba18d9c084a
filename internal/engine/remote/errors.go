package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"

	"cardsync/internal/engine/credentials"
)

type Kind int

const (
	KindOther Kind = iota
	KindAuth
	KindNotFound
	KindRateLimited
	KindTimeout
	KindUnavailable
	KindForbidden
	KindValidation
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("github %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("github %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first remote error in the chain, or
// KindOther when err did not come from this package.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if credentials.IsAuthError(err) {
		return KindAuth
	}
	return KindOther
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports failures worth retrying later without operator action.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

func classify(ctx context.Context, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	if credentials.IsAuthError(err) {
		return &Error{Kind: KindAuth, Op: op, Err: err}
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return &Error{Kind: KindRateLimited, Op: op, Status: statusOf(rateErr.Response), RetryAfter: wait, Err: err}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var wait time.Duration
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		return &Error{Kind: KindRateLimited, Op: op, Status: statusOf(abuseErr.Response), RetryAfter: wait, Err: err}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		e := &Error{Op: op, Status: status, Err: err}
		switch {
		case status == http.StatusUnauthorized:
			e.Kind = KindAuth
		case status == http.StatusNotFound, status == http.StatusGone:
			e.Kind = KindNotFound
		case status == http.StatusForbidden:
			e.Kind = KindForbidden
		case status == http.StatusUnprocessableEntity:
			e.Kind = KindValidation
		case status == http.StatusTooManyRequests:
			e.Kind = KindRateLimited
			e.RetryAfter = parseRetryAfter(ghErr.Response.Header.Get("Retry-After"))
		case status >= 500:
			e.Kind = KindUnavailable
		default:
			e.Kind = KindOther
		}
		return e
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			// the caller's own deadline, not the per-request one
			return &Error{Kind: KindCanceled, Op: op, Err: err}
		}
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}

	return &Error{Kind: KindOther, Op: op, Err: err}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
