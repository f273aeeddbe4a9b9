package runtime

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewHTTPClient builds the single long-lived, connection-pooled HTTP
// client every adapter of a given runtime kind shares (spec.md §5
// "Connection management": "adapters share a single long-lived HTTP
// client per runtime kind. No per-call client instantiation.").
func NewHTTPClient(defaultTimeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(defaultTimeout).
		SetRetryCount(0) // retries belong to the caller's readiness-polling loop, not the transport
}

// classifyErr turns a resty error into a ConnError (couldn't reach the
// runtime at all) so callers can apply spec.md §4.2's translation.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{Err: err}
}
