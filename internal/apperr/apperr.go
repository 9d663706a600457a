// Package apperr holds the error kinds surfaced to API callers. Every
// terminal failure of an authenticated operation is one of these; anything
// else is an infrastructure fault.
package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindBadRequest
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	}
	return "internal"
}

type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimited {
		return fmt.Sprintf("%s: retry after %ds", e.Msg, e.RetryAfterSeconds())
	}
	return e.Msg
}

// RetryAfterSeconds rounds up so a client never retries a moment early.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func Unauthenticated(msg string) error { return &Error{Kind: KindUnauthenticated, Msg: msg} }
func Forbidden(msg string) error       { return &Error{Kind: KindForbidden, Msg: msg} }
func NotFound(msg string) error        { return &Error{Kind: KindNotFound, Msg: msg} }
func BadRequest(msg string) error      { return &Error{Kind: KindBadRequest, Msg: msg} }

func RateLimited(retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// RetryAfter extracts the wait carried by a RateLimited error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}
