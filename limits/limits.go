// Package limits provides centralized size limits for untrusted input.
// This ensures consistent validation across the DHT and tracker code paths.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest DHT datagram accepted from the network.
	// It matches a typical Ethernet MTU; KRPC replies are sized to fit in it.
	MaxDatagramSize = 1500

	// MaxTrackerResponse is the default cap on an HTTP tracker response body (1MB).
	MaxTrackerResponse = 1024 * 1024

	// MaxNestingDepth bounds list/dictionary nesting in decoded bencode.
	MaxNestingDepth = 64

	// MaxCompactPeers is the most peers placed in a single get_peers reply.
	// 50 * (6 bytes + 3 bytes of string prefix) keeps the reply under MaxDatagramSize.
	MaxCompactPeers = 50
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates an inbound DHT datagram against MaxDatagramSize.
func ValidateDatagram(datagram []byte) error {
	if len(datagram) == 0 {
		return ErrMessageEmpty
	}
	if len(datagram) > MaxDatagramSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(datagram), MaxDatagramSize)
	}
	return nil
}

// ValidateTrackerResponse validates a tracker body against the given cap.
// A non-positive cap falls back to MaxTrackerResponse.
func ValidateTrackerResponse(body []byte, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxTrackerResponse
	}
	if len(body) == 0 {
		return ErrMessageEmpty
	}
	if int64(len(body)) > maxSize {
		return fmt.Errorf("%w: tracker response size %d exceeds limit %d", ErrMessageTooLarge, len(body), maxSize)
	}
	return nil
}
