package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks caller-supplied values out of contract.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransport marks trackers that could not be contacted.
	ErrTransport = errors.New("tracker transport error")

	// ErrInvalidResponse marks replies that are not valid bencode or lack
	// the keys required for the request made.
	ErrInvalidResponse = errors.New("invalid tracker response")
)

// ArgumentError reports a caller-supplied value that is out of contract.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Reason)
}

// Is reports whether target is ErrInvalidArgument.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// TransportError reports a connection failure, timeout or non-2xx HTTP
// status.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tracker %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// InvalidResponseError reports a reply the client could not use.
type InvalidResponseError struct {
	Op     string
	Reason string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid tracker %s response: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid tracker %s response: %s", e.Op, e.Reason)
}

// Unwrap returns the underlying decode error, if any.
func (e *InvalidResponseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidResponse.
func (e *InvalidResponseError) Is(target error) bool {
	return target == ErrInvalidResponse
}
