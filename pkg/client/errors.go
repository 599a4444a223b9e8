package client

import (
	"errors"
	"fmt"
)

// TransportError reports a connection failure or timeout against the device.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v (check that the device is reachable and the device portal is enabled)", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-success response from the device.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("device returned HTTP %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("device returned HTTP %d", e.Status)
}

// Reason extracts the remote reason text from err, if any.
func Reason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// IsTransport reports whether err is a connectivity failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
