package tracing

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamFetch     = errors.New("tracing backend request failed")
	ErrMalformedResponse = errors.New("malformed tracing backend response")
)

// UpstreamFetchError describes a failed request to the tracing backend.
type UpstreamFetchError struct {
	Op         string // "services" or "traces"
	Service    string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	msg := e.Op
	if e.Service != "" {
		msg += " " + e.Service
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d", msg, ErrUpstreamFetch, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %v", msg, ErrUpstreamFetch, e.Err)
}

func (e *UpstreamFetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamFetch}
	}
	return []error{ErrUpstreamFetch, e.Err}
}
