package biliapi

import (
	"errors"
	"fmt"
)

// UpstreamError is a non-success response from the live APIs. RateLimited
// marks anti-abuse rejections, which callers back off from much longer than
// ordinary failures.
type UpstreamError struct {
	Op          string
	Code        int
	Message     string
	RateLimited bool
}

func (e *UpstreamError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("%s: rate limited by upstream (code %d): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: upstream code %d: %s", e.Op, e.Code, e.Message)
}

func upstreamErr(op string, code int, msg string) error {
	return &UpstreamError{Op: op, Code: code, Message: msg, RateLimited: code == codeRateLimited}
}

// IsRateLimited reports whether err (or anything it wraps) is a rate-limit
// class upstream rejection.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.RateLimited
}
