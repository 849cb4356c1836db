package rest

import (
	"errors"
	"fmt"
	"time"
)

var ErrDestroyed = errors.New("rest: manager destroyed")

// RateLimitedError is returned once a request has used up its retries while
// still receiving 429s.
type RateLimitedError struct {
	Bucket     string
	RetryAfter time.Duration
	Global     bool
	Scope      string
}

func (e *RateLimitedError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rest: rate limited (%s %s), retry after %v", scope, e.Bucket, e.RetryAfter)
}

// ServerError is a 5xx response that outlived its retries.
type ServerError struct {
	Status int
	Body   []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rest: server error %d", e.Status)
}

// ClientRequestError is any non-429 4xx response. These are never retried.
type ClientRequestError struct {
	Status  int
	Code    int
	Message string
	Body    []byte
}

func (e *ClientRequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: request failed with %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: request failed with %d", e.Status)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsRetryable reports whether the caller may try the same request again later.
func IsRetryable(err error) bool {
	var (
		rl  *RateLimitedError
		srv *ServerError
	)
	return errors.As(err, &rl) || errors.As(err, &srv)
}
