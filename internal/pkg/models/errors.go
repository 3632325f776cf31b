package models

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable marks transient fetch failures (network, HTTP status,
// bad payload from the API). The watch loop logs these and waits for the next
// interval instead of terminating.
var ErrSourceUnavailable = errors.New("result source unavailable")

// ErrMalformed marks a market that can never be dispatched (e.g. missing
// required fields). It is not retried.
var ErrMalformed = errors.New("malformed market")

// DispatchError wraps a notifier failure. Transient errors leave the market
// unseen so the next cycle retries it; permanent ones are skipped immediately.
type DispatchError struct {
	Permanent bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("dispatch failed permanently: %v", e.Err)
	}
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsPermanentDispatch reports whether err is a dispatch failure that should
// not be retried.
func IsPermanentDispatch(err error) bool {
	if errors.Is(err, ErrMalformed) {
		return true
	}
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}
