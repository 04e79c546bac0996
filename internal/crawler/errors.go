package crawler

import (
	"errors"
	"fmt"
)

// Validation errors returned synchronously by the Enqueue family. A rejected
// call leaves the queue untouched.
var (
	ErrReservedOption                 = errors.New("crawler: overriding a constructor option is not allowed")
	ErrMissingURL                     = errors.New("crawler: url must be defined")
	ErrInvalidURL                     = errors.New("crawler: url must be an absolute http(s) url")
	ErrUnknownDevice                  = errors.New("crawler: specified device is not supported")
	ErrDelayRequiresSingleConcurrency = errors.New("crawler: max concurrency must be 1 when delay is set")
)

// RequestError describes a failed fetch, robots.txt or sitemap request along
// with the entry that triggered it.
type RequestError struct {
	Options     RequestOptions
	Depth       int
	PreviousURL string
	Err         error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (depth %d): %v", e.Options.URL, e.Depth, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
