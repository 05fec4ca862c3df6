package jsonapi

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks errors caused by missing setup, such as a type
	// without a registered remote. These are not worth retrying.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation marks malformed resources and identity mismatches.
	ErrValidation = errors.New("validation error")

	// ErrProtocol marks responses that do not carry the expected document shape.
	ErrProtocol = errors.New("protocol error")

	// ErrTransport marks failures reported by a Synchronizer.
	ErrTransport = errors.New("transport error")
)

// TransportError describes a failed call against the remote service.
type TransportError struct {
	Method string
	URL    string
	Status int    // HTTP status, 0 when no response was received
	Body   string // bounded excerpt of the response body
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: transport failure", e.Method, e.URL)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}
