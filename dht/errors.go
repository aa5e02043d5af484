package dht

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDisposed is returned by every operation attempted after Close.
	ErrDisposed = errors.New("dht engine disposed")

	// ErrProtocol marks well-formed messages with invalid contents.
	ErrProtocol = errors.New("dht protocol error")

	// ErrTransport marks send failures and timeouts.
	ErrTransport = errors.New("dht transport error")

	// ErrInvalidArgument marks caller-supplied values out of contract.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgumentError reports a caller-supplied value that is out of contract.
// It is always returned synchronously, before any work is scheduled.
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

// ProtocolError reports a decoded message whose contents are invalid.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "dht protocol error: " + e.Reason
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a failed exchange with a remote node.
type TransportError struct {
	Op   string
	Addr net.Addr
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// errQueryTimeout is wrapped into the TransportError of a timed out exchange.
var errQueryTimeout = errors.New("query timed out")
