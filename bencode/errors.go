package bencode

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every *MalformedEncodingError under errors.Is.
var ErrMalformed = errors.New("bencode: malformed encoding")

// MalformedEncodingError reports where and why decoding failed.
type MalformedEncodingError struct {
	Offset int
	Reason string
}

func (e *MalformedEncodingError) Error() string {
	return fmt.Sprintf("bencode: malformed encoding at offset %d: %s", e.Offset, e.Reason)
}

// Is lets errors.Is(err, ErrMalformed) match.
func (e *MalformedEncodingError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(offset int, format string, args ...interface{}) error {
	return &MalformedEncodingError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
